package task

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTask() *Task {
	return &Task{
		Platform:  PlatformFacebook,
		Type:      TypePost,
		Priority:  DefaultPriority,
		Content:   "Hello world",
		MediaURLs: []string{"https://cdn.example.com/x.jpg"},
	}
}

func TestValidate_OK(t *testing.T) {
	require.NoError(t, Validate(validTask()))
}

func TestValidate_UnknownPlatform(t *testing.T) {
	tk := validTask()
	tk.Platform = "myspace"
	err := Validate(tk)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "platform", verr.Field)
}

func TestValidate_UnknownType(t *testing.T) {
	tk := validTask()
	tk.Type = "retweet"
	err := Validate(tk)
	require.Error(t, err)
}

func TestValidate_ContentTooLong(t *testing.T) {
	tk := validTask()
	tk.Content = strings.Repeat("a", MaxContentLength+1)
	err := Validate(tk)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "content", verr.Field)
}

func TestValidate_MediaURLs(t *testing.T) {
	cases := []struct {
		name string
		url  string
		ok   bool
	}{
		{"https cdn", "https://cdn.example.com/x.jpg", true},
		{"plain http", "http://example.com/x.jpg", false},
		{"https localhost", "https://localhost/x.jpg", false},
		{"https loopback", "https://127.0.0.1/x.jpg", false},
		{"https any-interface", "https://0.0.0.0/x.jpg", false},
		{"file scheme", "file:///etc/passwd", false},
		{"localhost with port", "https://localhost:8443/x.jpg", false},
		{"host containing localhost", "https://notlocalhost.example.com/x.jpg", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tk := validTask()
			tk.MediaURLs = []string{tc.url}
			err := Validate(tk)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidate_TargetURL(t *testing.T) {
	tk := validTask()
	tk.TargetURL = "http://example.com/post/1"
	require.Error(t, Validate(tk))

	tk.TargetURL = "https://www.facebook.com/post/1"
	require.NoError(t, Validate(tk))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusAssigned))
	assert.True(t, CanTransition(StatusAssigned, StatusInProgress))
	assert.True(t, CanTransition(StatusAssigned, StatusFailed))
	assert.True(t, CanTransition(StatusInProgress, StatusInProgress)) // idempotent start
	assert.True(t, CanTransition(StatusInProgress, StatusCompleted))
	assert.True(t, CanTransition(StatusFailed, StatusPending)) // retry
	assert.True(t, CanTransition(StatusScheduled, StatusAssigned))

	assert.False(t, CanTransition(StatusPending, StatusInProgress))
	assert.False(t, CanTransition(StatusCompleted, StatusPending))
	assert.False(t, CanTransition(StatusCancelled, StatusPending))
	assert.False(t, CanTransition(StatusPending, StatusCompleted))
}

func TestNormalize(t *testing.T) {
	tk := &Task{Platform: "Facebook", Type: "POST"}
	Normalize(tk)
	assert.Equal(t, PlatformFacebook, tk.Platform)
	assert.Equal(t, TypePost, tk.Type)
	assert.Equal(t, DefaultPriority, tk.Priority)
	assert.Equal(t, DefaultMaxRetries, tk.MaxRetries)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusFailed.Terminal())
	assert.False(t, StatusPending.Terminal())
}
