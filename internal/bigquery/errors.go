package bigquery

import (
	"errors"
	"net/http"

	bq "cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/tinytelemetry/sluice/internal/model"
	"github.com/tinytelemetry/sluice/internal/sink"
)

var transientReasons = map[string]bool{
	"backendError":      true,
	"internalError":     true,
	"rateLimitExceeded": true,
	"timeout":           true,
}

// classify marks whole-request errors that may succeed on retry.
func classify(err error) error {
	if err == nil || sink.IsTransient(err) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return sink.Transient(err)
		}
		for _, item := range gerr.Errors {
			if transientReasons[item.Reason] {
				return sink.Transient(err)
			}
		}
	}
	return err
}

// rejectionsFrom maps per-row insert errors back to the rows they refer to.
// ok is false when err is not a per-row error.
func rejectionsFrom(err error, rows []*model.Row) (rejected []model.Rejection, transient error, ok bool) {
	var multi bq.PutMultiError
	if !errors.As(err, &multi) {
		return nil, nil, false
	}
	for _, rie := range multi {
		if rie.RowIndex < 0 || rie.RowIndex >= len(rows) {
			continue
		}
		rj := model.Rejection{Row: rows[rie.RowIndex], Reason: "invalid", Message: rie.Error()}
		for _, e := range rie.Errors {
			var be *bq.Error
			if errors.As(e, &be) {
				rj.Reason, rj.Location, rj.Message = be.Reason, be.Location, be.Message
				if transientReasons[be.Reason] {
					transient = sink.Transient(err)
				}
				break
			}
		}
		rejected = append(rejected, rj)
	}
	return rejected, transient, true
}
