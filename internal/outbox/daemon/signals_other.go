//go:build !unix

package daemon

import "os"

func visibilitySignals() []os.Signal {
	return nil
}
