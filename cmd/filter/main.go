//go:build wasip1

// Command filter is the custom response header filter built as a proxy-wasm
// module:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o filter.wasm ./cmd/filter
package main

import (
	"github.com/wudi/wasmfilter/internal/filter"
	"github.com/wudi/wasmfilter/proxywasm"
)

func init() {
	proxywasm.SetRootFactory(filter.NewRoot)
}

func main() {}
