package tpmzfs

// RetryAuth runs attempt once with whatever authorization is currently set.
// While it fails with an authorization error (as judged by isAuthErr) and
// fewer than max retries were made, prompt is called to install a new
// authorization value and attempt runs again. Any other error, or an error
// from prompt, ends the loop immediately.
func RetryAuth(max int, isAuthErr func(error) bool, prompt func(retry int) error, attempt func() error) error {
	err := attempt()
	for n := 0; err != nil && isAuthErr(err) && n < max; n++ {
		if perr := prompt(n); perr != nil {
			return perr
		}
		err = attempt()
	}
	if err != nil && isAuthErr(err) {
		return &Error{Kind: KindAuth, Err: err}
	}
	return err
}
