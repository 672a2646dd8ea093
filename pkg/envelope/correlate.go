package envelope

// emptyValue stands in for handlers that succeed without returning anything,
// so a successful Result always carries a value.
var emptyValue = struct{}{}

// Success packages a successful outcome for the command with the given id.
func Success(id string, value any) Result {
	if value == nil {
		value = emptyValue
	}
	return Result{ID: id, Success: true, Value: value}
}

// Failure packages a failed outcome. A nil err still yields a failure with a generic message.
func Failure(id string, err error) Result {
	msg := "command failed"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return Result{ID: id, Success: false, Error: msg}
}

// Correlate maps a dispatch outcome onto exactly one Result carrying the command id.
func Correlate(id string, value any, err error) Result {
	if err != nil {
		return Failure(id, err)
	}
	return Success(id, value)
}
