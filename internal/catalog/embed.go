package catalog

import _ "embed"

//go:embed platforms.yaml
var builtin []byte
