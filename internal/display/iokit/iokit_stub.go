//go:build !(darwin && cgo)

package iokit

func systemPlatform() Platform {
	return nil
}

func systemStrategies() []Strategy {
	return nil
}
