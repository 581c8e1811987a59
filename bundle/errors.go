package bundle

import "fmt"

// OpenErrorKind classifies why opening a bundle failed.
type OpenErrorKind uint8

const (
	IntegrityBlockParseError OpenErrorKind = iota
	AbortedByCaller
	SignatureVerificationError
	MetadataParseError
)

func (k OpenErrorKind) String() string {
	switch k {
	case IntegrityBlockParseError:
		return "integrity block parse error"
	case AbortedByCaller:
		return "aborted by caller"
	case SignatureVerificationError:
		return "signature verification error"
	case MetadataParseError:
		return "metadata parse error"
	default:
		return "unknown"
	}
}

// OpenError is reported through MetadataRead when a bundle cannot be opened.
type OpenError struct {
	Kind    OpenErrorKind
	Message string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ReadResponseErrorKind classifies why a response head could not be read.
type ReadResponseErrorKind uint8

const (
	ParserInternalError ReadResponseErrorKind = iota
	FormatError
	ResponseNotFound
)

func (k ReadResponseErrorKind) String() string {
	switch k {
	case ParserInternalError:
		return "parser internal error"
	case FormatError:
		return "format error"
	case ResponseNotFound:
		return "response not found"
	default:
		return "unknown"
	}
}

// ReadResponseError is returned by a reader's ReadResponse.
type ReadResponseError struct {
	Kind    ReadResponseErrorKind
	Message string
}

func (e *ReadResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}
