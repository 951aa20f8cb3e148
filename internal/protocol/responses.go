package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/resident-x/go-solarlog/internal/transport"
)

// Classify turns a raw device response into decoded JSON or an error.
//
// The device answers application failures with HTTP 200 and a text marker in
// the body, so the body is inspected before it is decoded. Rules, first match wins:
//  1. non-200 status: update error carrying status, headers and body
//  2. query-impossible marker: update error, except for the salt query where it
//     means no challenge is available and (nil, nil) is returned
//  3. access-denied marker outside a salt reply to the salt query: authentication error
//  4. JSON decode, failures are update errors
func Classify(resp *transport.Response, query Query) (map[string]any, error) {
	if resp.Status != 200 {
		return nil, &domain.Error{
			Kind:   domain.KindUpdate,
			Msg:    fmt.Sprintf("the server responded with error code %d for query %d", resp.Status, query.Code),
			Status: resp.Status,
			Header: resp.Header,
			Body:   resp.Body,
		}
	}

	if strings.Contains(resp.Body, SentinelQueryImpossible) {
		if query.IsSalt() {
			return nil, nil
		}
		return nil, &domain.Error{
			Kind:   domain.KindUpdate,
			Msg:    fmt.Sprintf("query %d impossible, server response: %s", query.Code, resp.Body),
			Status: resp.Status,
			Body:   resp.Body,
		}
	}

	if strings.Contains(resp.Body, SentinelAccessDenied) && !(query.IsSalt() && isSaltReply(resp.Body)) {
		return nil, &domain.Error{
			Kind:   domain.KindAuthentication,
			Msg:    fmt.Sprintf("access denied for query %d", query.Code),
			Status: resp.Status,
			Body:   resp.Body,
		}
	}

	decoder := json.NewDecoder(bytes.NewBufferString(resp.Body))
	decoder.UseNumber()

	var data map[string]any
	if err := decoder.Decode(&data); err != nil {
		return nil, &domain.Error{
			Kind:   domain.KindUpdate,
			Msg:    "value error while decoding response",
			Status: resp.Status,
			Body:   resp.Body,
			Err:    err,
		}
	}

	return data, nil
}

func isSaltReply(body string) bool {
	return strings.Contains(body, fmt.Sprintf(`"%d"`, CodeSalt))
}
