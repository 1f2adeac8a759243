package pointcloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// LoadError reports a transport or I/O failure while retrieving a
// point-cloud file.
type LoadError struct {
	Reference string
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load point cloud %s: %v", e.Reference, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Opener resolves a file reference to its bytes. The renderer never opens
// references itself; callers decide what a reference means.
type Opener interface {
	Open(ctx context.Context, reference string) (io.ReadCloser, error)
}

type OpenerFunc func(ctx context.Context, reference string) (io.ReadCloser, error)

func (f OpenerFunc) Open(ctx context.Context, reference string) (io.ReadCloser, error) {
	return f(ctx, reference)
}

// FileOpener treats references as local file paths.
var FileOpener = OpenerFunc(func(ctx context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path)
})

// Load opens reference and parses it. Failures to open or read are
// *LoadError; malformed content is *ParseError.
func Load(ctx context.Context, open Opener, reference string) (*Cloud, error) {
	rc, err := open.Open(ctx, reference)
	if err != nil {
		return nil, &LoadError{Reference: reference, Err: err}
	}
	defer rc.Close()

	cloud, err := Parse(rc)
	if err != nil {
		var pErr *ParseError
		if errors.As(err, &pErr) {
			return nil, err
		}
		return nil, &LoadError{Reference: reference, Err: err}
	}
	return cloud, nil
}

// LoadScene loads reference and prepares it for display.
func LoadScene(ctx context.Context, open Opener, reference string) (*Scene, error) {
	cloud, err := Load(ctx, open, reference)
	if err != nil {
		return nil, err
	}
	return Prepare(cloud), nil
}
