//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

func newTransformer(opts Options) (Transformer, error) {
	return imagingTransformer{opts: opts}, nil
}
