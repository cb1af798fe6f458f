//go:build !unix

package processes

// markCloseOnExec is a no-op: handles are not inherited unless listed
// explicitly in the process attributes on these platforms.
func markCloseOnExec() error {
	return nil
}
