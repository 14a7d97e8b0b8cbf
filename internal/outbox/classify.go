package outbox

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/matheus3301/imsync/internal/remote"
	"github.com/matheus3301/imsync/internal/store"
)

// Patterns are matched anywhere in the path so callers may or may not
// include the API prefix.
var writeRules = []struct {
	method  string
	pattern *regexp.Regexp
	op      store.OpType
}{
	{"POST", regexp.MustCompile(`/(messages|direct|groups)/`), store.OpMessageSend},
	{"PATCH", regexp.MustCompile(`/messages/`), store.OpMessageEdit},
	{"DELETE", regexp.MustCompile(`/messages/`), store.OpMessageDelete},
	{"POST", regexp.MustCompile(`/conversations/[^/]+/read`), store.OpConversationRead},
}

var (
	convIDPattern     = regexp.MustCompile(`/(?:messages|direct|groups)/([^/]+)`)
	targetMsgPattern  = regexp.MustCompile(`/messages/[^/]+/([^/]+)`)
	readConvIDPattern = regexp.MustCompile(`/conversations/([^/]+)/read`)
)

// Classify reports the write operation a request performs, or false for a
// request that is not a write.
func Classify(method, path string) (store.OpType, bool) {
	method = strings.ToUpper(method)
	for _, r := range writeRules {
		if method == r.method && r.pattern.MatchString(path) {
			return r.op, true
		}
	}
	return "", false
}

// ConversationID extracts the conversation (or peer) id a write path targets.
func ConversationID(path string) string {
	if m := readConvIDPattern.FindStringSubmatch(path); len(m) > 1 {
		return m[1]
	}
	if m := convIDPattern.FindStringSubmatch(path); len(m) > 1 {
		return m[1]
	}
	return ""
}

// targetMessageID extracts the message id of an edit or delete path
// (.../messages/{conversation}/{message}).
func targetMessageID(path string) string {
	if m := targetMsgPattern.FindStringSubmatch(path); len(m) > 1 {
		return m[1]
	}
	return ""
}

// Class tells the flush loop whether a failed operation may be retried.
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

var (
	transientCodes   = []string{"TIMEOUT", "NETWORK"}
	rateLimitedCodes = []string{"RATE_LIMITED", "TOO_MANY_REQUESTS", "429"}
)

// Classifier decides whether a server rejection is worth retrying. Transport
// errors never reach it: those are always transient.
type Classifier struct {
	// RetryRateLimited treats rate-limit rejections as transient.
	RetryRateLimited bool
}

// Classify maps a server error to a retry class.
func (c Classifier) Classify(e *remote.Error) Class {
	if e == nil {
		return Permanent
	}
	if status, ok := e.HTTPStatus(); ok && transientStatus(status) {
		return Transient
	}
	code := strings.ToUpper(e.Code)
	if containsAny(code, transientCodes) {
		return Transient
	}
	if c.RetryRateLimited && containsAny(code, rateLimitedCodes) {
		return Transient
	}
	return Permanent
}

// transientStatus covers bare responses from gateways and proxies: request
// timeouts and 5xx other than 501.
func transientStatus(status int) bool {
	if status == http.StatusRequestTimeout {
		return true
	}
	return status >= 500 && status != http.StatusNotImplemented
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
