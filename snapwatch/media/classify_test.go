package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		locator    string
		videoBound bool
		want       Kind
	}{
		{"https://cdn.example.com/a.mp4", false, KindVideo},
		{"https://cdn.example.com/A.WEBM", false, KindVideo},
		{"https://cdn.example.com/live/index.m3u8", false, KindVideo},
		{"https://cdn.example.com/video/123", false, KindVideo},
		{"https://cdn.example.com/pic.jpg", false, KindImage},
		{"blob:https://example.com/42", false, KindImage},
		{"blob:https://example.com/42", true, KindVideo},
		{"data:video/mp4;base64,AAAA", false, KindVideo},
		// base64 of "video" must not flip an image to video
		{"data:image/png;base64,dmlkZW8=VIDEO", false, KindImage},
		{"https://cdn.example.com/pic.jpg", true, KindVideo},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.locator, tc.videoBound), "locator %q bound=%v", tc.locator, tc.videoBound)
	}
}
