package cancel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestMarksIntent(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.Requested("job-1"))
	assert.True(t, r.Request("job-1"), "first request newly marks the job")
	assert.True(t, r.Requested("job-1"))
	assert.False(t, r.Request("job-1"), "second request is a no-op")
}

func TestTokenClosesOnRequest(t *testing.T) {
	r := NewRegistry()

	token := r.Token("job-1")
	select {
	case <-token:
		t.Fatal("token must be open before any request")
	default:
	}

	r.Request("job-1")
	select {
	case <-token:
	default:
		t.Fatal("token must be closed after request")
	}
}

func TestTokenAfterRequestIsClosed(t *testing.T) {
	r := NewRegistry()
	r.Request("job-1")

	select {
	case <-r.Token("job-1"):
	default:
		t.Fatal("token obtained after the request must already be closed")
	}
}

func TestClearDropsTracking(t *testing.T) {
	r := NewRegistry()
	r.Request("job-1")
	r.Clear("job-1")

	assert.False(t, r.Requested("job-1"))

	// A fresh token after Clear is open again
	select {
	case <-r.Token("job-1"):
		t.Fatal("token must be open after Clear")
	default:
	}
}

func TestJobsAreIndependent(t *testing.T) {
	r := NewRegistry()
	r.Request("job-1")

	assert.True(t, r.Requested("job-1"))
	assert.False(t, r.Requested("job-2"))
}

func TestConcurrentRequestsCloseOnce(t *testing.T) {
	r := NewRegistry()

	// Obtain the token first so every Request must close this channel
	token := r.Token("job-1")

	var wg sync.WaitGroup
	newly := make(chan bool, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			newly <- r.Request("job-1")
		}()
	}
	wg.Wait()
	close(newly)

	firsts := 0
	for b := range newly {
		if b {
			firsts++
		}
	}
	assert.Equal(t, 1, firsts, "exactly one request may report newly marked")

	<-token // closed, does not block
}
