package wasm

import "bytes"

// Hand-assembled guest used by the tests. It implements the bump-allocator
// side of the ABI and exposes entry points that echo, trap, spin, grow
// memory, or forward their input to a host function.

const (
	typeAlloc   = 0 // (i32) -> i32
	typeDealloc = 1 // (i32, i32) -> ()
	typeEntry   = 2 // (i32, i32) -> i64
	typeHost    = 3 // (i64) -> i64
	typeHostLog = 4 // (i64) -> ()
)

var (
	// local.get 0; i64.extend_i32_u; i64.const 32; i64.shl;
	// local.get 1; i64.extend_i32_u; i64.or
	packArgs = []byte{0x20, 0x00, 0xad, 0x42, 0x20, 0x86, 0x20, 0x01, 0xad, 0x84}
)

type guestImport struct {
	name string
	typ  byte
}

type guestFunc struct {
	export string
	typ    byte
	code   []byte // instructions without the trailing end
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func wasmName(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func vec(items ...[]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(id byte, payload []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(payload)))...)
	return append(out, payload...)
}

func call(idx uint32) []byte {
	return append([]byte{0x10}, uleb(idx)...)
}

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

// testGuest builds the test module.
func testGuest() []byte {
	imports := []guestImport{
		{"call_tool", typeHost},
		{"fetch", typeHost},
		{"list_roots", typeHost},
		{"notify_list_changed", typeHost},
		{"log_message", typeHostLog},
	}
	n := uint32(len(imports))
	funcs := []guestFunc{
		// global.get 0; global.get 0; local.get 0; i32.add; global.set 0
		{"allocate", typeAlloc, []byte{0x23, 0x00, 0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00}},
		{"deallocate", typeDealloc, nil},
		{"echo", typeEntry, packArgs},
		// unreachable
		{"trap", typeEntry, []byte{0x00}},
		// loop; br 0; end; unreachable
		{"spin", typeEntry, []byte{0x03, 0x40, 0x0c, 0x00, 0x0b, 0x00}},
		// memory.grow 1000 pages; trap if it failed; return 0
		{"grow", typeEntry, []byte{0x41, 0xe8, 0x07, 0x40, 0x00, 0x41, 0x7f, 0x46, 0x04, 0x40, 0x00, 0x0b, 0x42, 0x00}},
		{"proxy_call_tool", typeEntry, concat(packArgs, call(0))},
		{"proxy_fetch", typeEntry, concat(packArgs, call(1))},
		{"proxy_list_roots", typeEntry, concat(packArgs, call(2))},
		{"proxy_notify", typeEntry, concat(packArgs, call(3))},
		{"proxy_log", typeEntry, concat(packArgs, call(4), packArgs)},
	}

	types := section(1, vec(
		[]byte{0x60, 0x01, 0x7f, 0x01, 0x7f},
		[]byte{0x60, 0x02, 0x7f, 0x7f, 0x00},
		[]byte{0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e},
		[]byte{0x60, 0x01, 0x7e, 0x01, 0x7e},
		[]byte{0x60, 0x01, 0x7e, 0x00},
	))

	var imps [][]byte
	for _, im := range imports {
		imps = append(imps, concat(wasmName("mcphost"), wasmName(im.name), []byte{0x00, im.typ}))
	}

	var sigs, exports, bodies [][]byte
	for i, f := range funcs {
		sigs = append(sigs, []byte{f.typ})
		exports = append(exports, concat(wasmName(f.export), []byte{0x00}, uleb(n+uint32(i))))
		body := concat([]byte{0x00}, f.code, []byte{0x0b})
		bodies = append(bodies, concat(uleb(uint32(len(body))), body))
	}
	exports = append(exports, concat(wasmName("memory"), []byte{0x02, 0x00}))

	return concat(
		[]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00},
		types,
		section(2, vec(imps...)),
		section(3, vec(sigs...)),
		section(5, vec([]byte{0x00, 0x02})), // memory: min 2 pages
		section(6, vec([]byte{0x7f, 0x01, 0x41, 0x80, 0x08, 0x0b})), // mut i32 = 1024
		section(7, vec(exports...)),
		section(10, vec(bodies...)),
	)
}
