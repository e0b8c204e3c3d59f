package ui

// quietPresenter consumes events but produces no output.
type quietPresenter struct{}

func (p *quietPresenter) Run(events <-chan Event) error {
	for range events {
		// The manager feeds the collector; nothing to render.
	}
	return nil
}

func (p *quietPresenter) Summary() string {
	return ""
}
