package ai

import "context"

// Unavailable stands in for the generation client when the provider could
// not be configured. The server stays up; every send surfaces the error as a
// scoped failure instead.
type Unavailable struct {
	Err error
}

func (u Unavailable) Complete(context.Context, []Turn) (string, error) {
	return "", u.Err
}

func (u Unavailable) CompleteStream(context.Context, []Turn) (Stream, error) {
	return nil, u.Err
}
