package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"

	"github.com/emersion/go-smtp"
)

// Stages of an SMTP transaction, used to classify failures
const (
	StageConnect = "connect"
	StageHello   = "hello"
	StageAuth    = "auth"
	StageMail    = "mail"
	StageRcpt    = "rcpt"
	StageData    = "data"
)

// DeliveryError describes a failed send. Bounce marks a permanent rejection
// of the recipient address itself.
type DeliveryError struct {
	Temporary bool
	Bounce    bool
	Stage     string
	Code      int
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// replyCodePattern matches an SMTP reply at the start of error text from
// layers that flatten the server response into a plain error
var replyCodePattern = regexp.MustCompile(`^\s*([45]\d{2})[ -]`)

// categorize turns an SMTP client error into a DeliveryError. Network
// errors carry no reply code and are always temporary.
func categorize(err error, stage string) *DeliveryError {
	de := &DeliveryError{
		Temporary: true,
		Stage:     stage,
		Message:   fmt.Sprintf("%s failed: %v", stage, err),
	}

	var se *smtp.SMTPError
	var ne net.Error
	switch {
	case errors.As(err, &se):
		de.Code = se.Code
	case errors.As(err, &ne), errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return de
	default:
		if m := replyCodePattern.FindStringSubmatch(err.Error()); len(m) > 1 {
			de.Code, _ = strconv.Atoi(m[1])
		}
	}

	if de.Code >= 500 && de.Code < 600 {
		de.Temporary = false
		de.Bounce = stage == StageRcpt
	}
	return de
}

// IsTemporaryError reports whether a failed send may be retried. Errors
// that are not DeliveryErrors are treated as temporary.
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

// IsBounce reports whether the recipient address was permanently rejected
func IsBounce(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Bounce
}
