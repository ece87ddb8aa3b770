package client

import "time"

// Async is a thread-offloaded façade over Client: every method launches
// the blocking call on its own goroutine and reports completion on the
// returned channel. It exists because spec.md §4.10 requires any "async"
// surface to be offload-around-the-blocking-core, not a second protocol
// implementation — the single-request-in-flight invariant still holds,
// enforced by connection.call's own mutex, so concurrent Async calls on
// the same Client simply queue rather than interleave on the wire.
type Async struct {
	client *Client
}

// NewAsync wraps c for thread-offloaded use.
func NewAsync(c *Client) *Async {
	return &Async{client: c}
}

// Result carries an async operation's outcome.
type Result struct {
	Err error
}

func (a *Async) run(op func() error) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		out <- Result{Err: op()}
	}()
	return out
}

// Upload offloads Client.Upload.
func (a *Async) Upload(localPath, remotePath string, resume bool, cb Callback) <-chan Result {
	return a.run(func() error { return a.client.Upload(localPath, remotePath, resume, cb) })
}

// Download offloads Client.Download.
func (a *Async) Download(remotePath, localPath string, resume bool, cb Callback) <-chan Result {
	return a.run(func() error { return a.client.Download(remotePath, localPath, resume, cb) })
}

// UploadWithRetry offloads Client.UploadWithRetry.
func (a *Async) UploadWithRetry(localPath, remotePath string, maxRetries int, backoff time.Duration, cb Callback) <-chan Result {
	return a.run(func() error { return a.client.UploadWithRetry(localPath, remotePath, maxRetries, backoff, cb) })
}

// DownloadWithRetry offloads Client.DownloadWithRetry.
func (a *Async) DownloadWithRetry(remotePath, localPath string, maxRetries int, backoff time.Duration, cb Callback) <-chan Result {
	return a.run(func() error { return a.client.DownloadWithRetry(remotePath, localPath, maxRetries, backoff, cb) })
}

// Delete offloads Client.Delete.
func (a *Async) Delete(remotePath string) <-chan Result {
	return a.run(func() error { return a.client.Delete(remotePath) })
}
