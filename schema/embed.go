package schema

import _ "embed"

// BatchV1Schema contains the JSON schema for batch manifests.
//
//go:embed batch.v1.json
var BatchV1Schema []byte
