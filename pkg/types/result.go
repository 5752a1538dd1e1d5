package types

import "net/http"

// ResultCode is the outcome flag carried by every operation result.
type ResultCode string

const (
	ResultSuccess ResultCode = "SUCCESS"
	ResultFail    ResultCode = "FAIL"
)

// Result is the outcome of a provisioning operation. NextActionURL is only
// set on success; the wrapped error is only set on failure.
type Result struct {
	ResultCode     ResultCode `json:"resultCode"`
	ResultMessage  string     `json:"resultMessage"`
	HTTPStatusCode int        `json:"httpStatusCode"`
	DetailMessage  string     `json:"detailMessage,omitempty"`
	NextActionURL  string     `json:"nextActionUrl,omitempty"`

	err error
}

// Success builds a successful result pointing the caller at next.
func Success(next string) Result {
	return Result{
		ResultCode:     ResultSuccess,
		ResultMessage:  "success",
		HTTPStatusCode: http.StatusOK,
		NextActionURL:  next,
	}
}

// Failure builds a failed result. A zero status defaults to 500.
func Failure(status int, message string, err error) Result {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	r := Result{
		ResultCode:     ResultFail,
		ResultMessage:  message,
		HTTPStatusCode: status,
		err:            err,
	}
	if err != nil {
		r.DetailMessage = err.Error()
	}
	return r
}

// WithDetail returns a copy of r with the detail message replaced.
func (r Result) WithDetail(detail string) Result {
	r.DetailMessage = detail
	return r
}

// Succeeded reports whether the operation completed.
func (r Result) Succeeded() bool { return r.ResultCode == ResultSuccess }

// Err returns the underlying failure, if any.
func (r Result) Err() error { return r.err }
