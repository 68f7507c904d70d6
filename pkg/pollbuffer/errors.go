package pollbuffer

import "errors"

// ErrConfiguration is wrapped by every error returned from NewBufferedPoller.
// It is the only failure the poller ever surfaces to its caller; everything
// that goes wrong once polling has started is logged and absorbed.
var ErrConfiguration = errors.New("pollbuffer configuration error")
