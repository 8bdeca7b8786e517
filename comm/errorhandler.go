package comm

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"

	"golang.org/x/net/html/charset"
)

// Messages for the statuses the error handler classifies
const (
	msgAuthentication = "authorization error: check that a valid API access key or login and password " +
		"were provided and that the REST API service is enabled on the server"
	msgAuthorization = "forbidden: check that the user has the required permissions"
)

// errorRemap clarifies server messages that are confusing on their own.
var errorRemap = map[string]string{
	"Priority can't be blank": "Priority can't be blank. No default priority is set in the Redmine server settings. " +
		`Please use menu "Administration -> Enumerations -> Issue Priorities" to set the default priority.`,
}

// RemapError returns the clarified version of a server message, or msg
// itself when there is none.
func RemapError(msg string) string {
	if clarified, ok := errorRemap[msg]; ok {
		return clarified
	}
	return msg
}

// readDiagnosticBody reads an error response body. A body that cannot be
// transcoded from its declared charset is returned as raw bytes so the
// classified error survives.
func readDiagnosticBody(resp *BasicResponse) ([]byte, error) {
	defer resp.Close()

	if resp.Body == nil {
		return nil, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Message: "cannot read response body", Err: err}
	}

	reader, err := charset.NewReaderLabel(resp.Charset, bytes.NewReader(raw))
	if err != nil {
		return raw, nil
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return raw, nil
	}
	return decoded, nil
}

// ErrorHandler translates 401, 403, 404 and 422 responses into classified
// errors. Every other response is returned unchanged with its body unread.
func ErrorHandler() Handler[*BasicResponse, *BasicResponse] {
	return HandlerFunc[*BasicResponse, *BasicResponse](classifyStatus)
}

func classifyStatus(resp *BasicResponse) (*BasicResponse, error) {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		resp.Close()
		return nil, &AuthenticationError{Message: msgAuthentication}
	case http.StatusForbidden:
		resp.Close()
		return nil, &AuthorizationError{Message: msgAuthorization}
	case http.StatusNotFound:
		body, err := readDiagnosticBody(resp)
		if err != nil {
			return nil, err
		}
		return nil, &NotFoundError{Body: string(body)}
	case http.StatusUnprocessableEntity:
		body, err := readDiagnosticBody(resp)
		if err != nil {
			return nil, err
		}
		messages, err := ParseErrors(body)
		if err != nil {
			return nil, err
		}
		for i, msg := range messages {
			messages[i] = RemapError(msg)
		}
		return nil, &ValidationError{Errors: messages}
	default:
		return resp, nil
	}
}

// errorList is the structured 422 body in either wire format.
type errorList struct {
	XMLName xml.Name `json:"-" xml:"errors"`
	Errors  []string `json:"errors" xml:"error"`
}

// ParseErrors extracts the messages from a Redmine error body:
// {"errors": [...]} or <errors><error>...</error></errors>.
func ParseErrors(body []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, &FormatError{Message: "empty error body"}
	}

	var list errorList
	var err error
	if trimmed[0] == '<' {
		err = xml.Unmarshal(trimmed, &list)
	} else {
		err = json.Unmarshal(trimmed, &list)
	}
	if err != nil {
		return nil, &FormatError{Message: "cannot parse error body", Err: err}
	}
	if list.Errors == nil {
		list.Errors = []string{}
	}
	return list.Errors, nil
}
