// Command mcphost serves sandboxed WebAssembly plugins to a protocol client
// over stdio.
package main

func main() {
	Execute()
}
