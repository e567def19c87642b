package speech

import "errors"

// Kind classifies why a synthesis failed.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindRemoteService  Kind = "remote_service"
	KindMissingPayload Kind = "missing_payload"
	KindStorage        Kind = "storage"
	KindTransport      Kind = "transport"
	KindAudioDecode    Kind = "audio_decode"
)

// Error is returned by every failing step of Adapter.Synthesize.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err carries an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

// KindOf returns the kind of err, or "" for foreign errors.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

func validationError(msg string) error {
	return &Error{Kind: KindValidation, Msg: msg}
}
