package main

import (
	"github.com/Paintersrp/copen/internal/cli"
	"github.com/Paintersrp/copen/internal/metrics"
	"github.com/Paintersrp/copen/internal/process"

	_ "github.com/Paintersrp/copen/internal/builtins"
)

func main() {
	process.Init()
	metrics.EmitBuildInfo()
	cli.Execute()
}
