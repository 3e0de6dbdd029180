package perception

import "context"

// StaticScreen is a ScreenBackend that answers every query with a fixed
// description. Dry runs and environments without a capture backend use
// it so the rest of the loop stays exercisable.
type StaticScreen struct {
	Description string
}

var _ ScreenBackend = (*StaticScreen)(nil)

// Capture returns a placeholder frame.
func (s *StaticScreen) Capture(ctx context.Context) (Image, error) {
	return Image{Data: []byte(s.text()), Format: "text"}, nil
}

// Analyze returns the fixed description regardless of the query.
func (s *StaticScreen) Analyze(ctx context.Context, img Image, query string) (string, error) {
	return s.text(), nil
}

func (s *StaticScreen) text() string {
	if s.Description == "" {
		return "no screen capture backend attached"
	}
	return s.Description
}
