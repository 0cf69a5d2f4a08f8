//go:build !(linux && cgo && ddcutil)

package ddcutil

// systemLibrary reports no library when the binding is not compiled in.
func systemLibrary() library {
	return nil
}
