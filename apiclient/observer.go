package apiclient

// Observer receives notifications about authentication recovery. Methods may
// be called from several goroutines at once.
type Observer interface {
	AccessTokenRejected(method, path string, status int)
	RefreshStarted()
	RefreshSucceeded()
	RefreshFailed(err error)
	Replaying(method, path string)
}

// NoopObserver ignores every notification.
type NoopObserver struct{}

func (NoopObserver) AccessTokenRejected(_, _ string, _ int) {}
func (NoopObserver) RefreshStarted()                        {}
func (NoopObserver) RefreshSucceeded()                      {}
func (NoopObserver) RefreshFailed(_ error)                  {}
func (NoopObserver) Replaying(_, _ string)                  {}
