package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/copen/internal/cliutil"
	"github.com/Paintersrp/copen/internal/engine"
)

const (
	tableTitle            = "Jobs"
	eventsTitle           = "Events"
	filterPageName        = "filter"
	defaultEventRetention = 200
	refreshInterval       = 500 * time.Millisecond
)

// Option configures UI behaviour.
type Option func(*UI)

// WithMaxEvents sets the maximum number of events retained for each job.
func WithMaxEvents(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxEvents = n
		}
	}
}

// UI coordinates the interactive batch view backed by tview.
type UI struct {
	app    *tview.Application
	pages  *tview.Pages
	table  *tview.Table
	detail *tview.TextView
	events chan engine.Event

	jobs map[string]*jobState

	visible       []string
	selected      string
	detailPretty  bool
	filter        string
	filterExpr    *regexp.Regexp
	detailFocused bool
	maxEvents     int

	mu sync.RWMutex

	wg        sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

type jobState struct {
	name      string
	firstSeen time.Time
	lastEvent time.Time
	state     engine.EventType
	pid       int
	attempt   int
	message   string

	finished bool
	result   *cliutil.ResultRecord
	history  []cliutil.EventRecord
}

// New constructs a UI configured with the supplied options.
func New(opts ...Option) *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(tableTitle)

	detail := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	detail.SetBorder(true).SetTitle(eventsTitle)
	detail.SetChangedFunc(func() {
		app.Draw()
	})

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 3, true).
		AddItem(detail, 0, 2, false)

	pages := tview.NewPages().AddPage("main", flex, true, true)

	ui := &UI{
		app:          app,
		pages:        pages,
		table:        table,
		detail:       detail,
		events:       make(chan engine.Event, 256),
		jobs:         make(map[string]*jobState),
		detailPretty: true,
		maxEvents:    defaultEventRetention,
		done:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(ui)
	}

	table.SetSelectionChangedFunc(func(row, column int) {
		ui.mu.Lock()
		defer ui.mu.Unlock()
		ui.syncSelection(row)
		ui.renderDetailLocked()
	})

	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.refreshTableLocked()
	ui.mu.Unlock()

	return ui
}

// EventSink exposes the channel where engine events should be delivered.
func (u *UI) EventSink() chan<- engine.Event {
	return u.events
}

// CloseEvents releases the event channel, allowing internal goroutines to exit cleanly.
func (u *UI) CloseEvents() {
	u.closeOnce.Do(func() {
		close(u.events)
	})
}

// Done returns a channel that is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the tview application and applies incoming events until Stop is
// invoked or ctx is cancelled. It returns once the event channel is closed, so
// the producer must call CloseEvents.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.consumeEvents(ctx)
	}()

	stopOnCancel := context.AfterFunc(ctx, u.Stop)
	defer stopOnCancel()

	err := u.app.Run()
	cancel()
	u.Stop()
	u.wg.Wait()
	return err
}

// Stop terminates the application loop. It is safe to call more than once.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.app.Stop()
		close(u.done)
	})
}

// SetResults records the final outcome of each job once the batch finishes.
func (u *UI) SetResults(results []engine.Result) {
	u.mu.Lock()
	for _, res := range results {
		record := cliutil.NewResultRecord(res)
		state := u.stateLocked(res.Job, time.Now())
		state.finished = true
		state.result = &record
		if res.Pid > 0 {
			state.pid = res.Pid
		}
		if state.attempt < res.Attempts {
			state.attempt = res.Attempts
		}
	}
	u.mu.Unlock()
	u.queueRefresh(true)
}

func (u *UI) consumeEvents(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-u.events:
			if !ok {
				return
			}
			// Keep draining after shutdown so the producer never blocks.
			if ctx.Err() == nil {
				u.applyEvent(evt)
			}
		case <-ticker.C:
			if ctx.Err() == nil {
				u.queueRefresh(false)
			}
		}
	}
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if u.pages.HasPage(filterPageName) {
		return event
	}
	switch event.Key() {
	case tcell.KeyEnter:
		u.toggleFocus()
		return nil
	case tcell.KeyUp, tcell.KeyDown:
		return event
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			go u.Stop()
			return nil
		case '/':
			u.showFilterPrompt()
			return nil
		case 'j', 'J':
			u.toggleJSON()
			return nil
		}
	}
	return event
}

func (u *UI) toggleFocus() {
	if u.detailFocused {
		u.app.SetFocus(u.table)
	} else {
		u.app.SetFocus(u.detail)
	}
	u.detailFocused = !u.detailFocused
}

func (u *UI) toggleJSON() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.detailPretty = !u.detailPretty
	u.renderDetailLocked()
}

func (u *UI) showFilterPrompt() {
	u.mu.RLock()
	current := u.filter
	u.mu.RUnlock()

	input := tview.NewInputField().
		SetLabel("/").
		SetText(current)
	input.SetBorder(true).SetTitle("Filter jobs (regex, Enter to apply, Esc to cancel)")
	input.SetDoneFunc(func(key tcell.Key) {
		u.pages.RemovePage(filterPageName)
		u.app.SetFocus(u.table)
		u.detailFocused = false
		if key == tcell.KeyEnter {
			u.applyFilter(input.GetText())
		}
	})

	overlay := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(input, 3, 0, true)

	u.pages.AddPage(filterPageName, overlay, true, true)
	u.app.SetFocus(input)
}

func (u *UI) applyFilter(expr string) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		u.mu.Lock()
		u.filter = ""
		u.filterExpr = nil
		u.mu.Unlock()
		u.queueRefresh(true)
		return
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		u.showErrorModal(fmt.Sprintf("Invalid filter: %v", err))
		return
	}

	u.mu.Lock()
	u.filter = expr
	u.filterExpr = re
	u.mu.Unlock()
	u.queueRefresh(true)
}

func (u *UI) showErrorModal(message string) {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	u.pages.RemovePage(filterPageName)
	u.pages.AddPage(filterPageName, modal, true, true)
}

func (u *UI) stateLocked(name string, ts time.Time) *jobState {
	state := u.jobs[name]
	if state == nil {
		state = &jobState{name: name, firstSeen: ts}
		u.jobs[name] = state
	}
	return state
}

func (u *UI) applyEvent(evt engine.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	u.mu.Lock()

	state := u.stateLocked(evt.Job, evt.Timestamp)
	state.lastEvent = evt.Timestamp
	state.state = evt.Type
	state.message = formatEventMessage(evt)
	if evt.Pid > 0 {
		state.pid = evt.Pid
	}
	if evt.Attempt > state.attempt {
		state.attempt = evt.Attempt
	}

	state.history = append(state.history, cliutil.NewEventRecord(evt))
	if len(state.history) > u.maxEvents {
		trim := len(state.history) - u.maxEvents
		state.history = append([]cliutil.EventRecord(nil), state.history[trim:]...)
	}

	updateDetail := state.name == u.selected || u.selected == ""
	u.mu.Unlock()

	u.queueRefresh(updateDetail)
}

func (u *UI) queueRefresh(updateDetail bool) {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.refreshTableLocked()
		if updateDetail {
			u.renderDetailLocked()
		}
	})
}

func (u *UI) refreshTableLocked() {
	u.table.Clear()

	headers := []string{"JOB", "STATE", "PID", "ATTEMPT", "AGE", "MESSAGE"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}

	names := make([]string, 0, len(u.jobs))
	for name := range u.jobs {
		if u.filterExpr != nil && !u.filterExpr.MatchString(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	u.visible = names

	if u.filter != "" {
		u.table.SetTitle(fmt.Sprintf("%s /%s/", tableTitle, u.filter))
	} else {
		u.table.SetTitle(tableTitle)
	}

	for row, name := range names {
		state := u.jobs[name]
		age := "-"
		if !state.firstSeen.IsZero() {
			end := time.Now()
			if state.finished {
				end = state.lastEvent
			}
			age = end.Sub(state.firstSeen).Truncate(time.Second).String()
		}
		pid := "-"
		if state.pid > 0 {
			pid = fmt.Sprintf("%d", state.pid)
		}
		attempt := "-"
		if state.attempt > 0 {
			attempt = fmt.Sprintf("%d", state.attempt)
		}
		message := state.message
		if len(message) > 80 {
			message = message[:77] + "..."
		}

		values := []string{
			name,
			formatJobState(state),
			pid,
			attempt,
			age,
			message,
		}
		for col, value := range values {
			cell := tview.NewTableCell(value)
			if col == 0 {
				cell = cell.SetReference(name)
			}
			if col == 1 {
				cell = cell.SetTextColor(stateColor(state))
			}
			u.table.SetCell(row+1, col, cell)
		}
	}

	u.ensureSelectionLocked()
}

func (u *UI) renderDetailLocked() {
	u.detail.Clear()
	var state *jobState
	if u.selected != "" {
		state = u.jobs[u.selected]
	}
	if state == nil {
		u.detail.SetTitle(eventsTitle)
		return
	}

	u.detail.SetTitle(fmt.Sprintf("%s (%s)", eventsTitle, state.name))

	write := func(v any) {
		var data []byte
		var err error
		if u.detailPretty {
			data, err = json.MarshalIndent(v, "", "  ")
		} else {
			data, err = json.Marshal(v)
		}
		if err != nil {
			fmt.Fprintf(u.detail, "{\"error\":\"%v\"}\n", err)
			return
		}
		fmt.Fprintf(u.detail, "%s\n", tview.Escape(string(data)))
	}

	for _, record := range state.history {
		write(record)
	}
	if state.result != nil {
		write(state.result)
	}
	u.detail.ScrollToEnd()
}

func (u *UI) ensureSelectionLocked() {
	if len(u.visible) == 0 {
		u.selected = ""
		u.table.Select(0, 0)
		return
	}

	idx := -1
	for i, name := range u.visible {
		if name == u.selected {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = 0
		u.selected = u.visible[0]
	}
	u.table.Select(idx+1, 0)
}

func (u *UI) syncSelection(row int) {
	if row <= 0 || row-1 >= len(u.visible) {
		return
	}
	u.selected = u.visible[row-1]
}

func formatEventMessage(evt engine.Event) string {
	var b strings.Builder
	b.WriteString(evt.Message)
	if evt.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(evt.Err.Error())
	}
	if evt.Reason != "" {
		if b.Len() > 0 {
			fmt.Fprintf(&b, " (%s)", evt.Reason)
		} else {
			b.WriteString(evt.Reason)
		}
	}
	return cliutil.RedactSecrets(b.String())
}

func formatJobState(state *jobState) string {
	if state.result != nil {
		return state.result.Status
	}
	if state.state == "" {
		return "-"
	}
	s := string(state.state)
	return strings.ToUpper(s[:1]) + s[1:]
}

func stateColor(state *jobState) tcell.Color {
	if state.result != nil {
		if state.result.Status == string(engine.StatusSucceeded) {
			return tcell.ColorGreen
		}
		return tcell.ColorRed
	}
	switch state.state {
	case engine.EventTypeFailed, engine.EventTypeKilled, engine.EventTypeSpawnFailed:
		return tcell.ColorRed
	case engine.EventTypeRetrying:
		return tcell.ColorYellow
	case engine.EventTypeCompleted:
		return tcell.ColorGreen
	}
	return tcell.ColorWhite
}
