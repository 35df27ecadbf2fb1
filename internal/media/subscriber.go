package media

// Subscriber is a Binding that consumes one publisher's output.
type Subscriber struct {
	*Binding
}

func NewSubscriber(owner, name string, pipeline Pipeline, onCandidate CandidateFunc) *Subscriber {
	return &Subscriber{Binding: NewBinding(owner, name, pipeline, onCandidate)}
}

// Subscribe negotiates this endpoint's answer and connects it downstream of
// pub's pass-through. The caller guarantees pub is still live.
func (s *Subscriber) Subscribe(offer string, pub *Publisher) (string, error) {
	ep, err := s.Materialize()
	if err != nil {
		return "", err
	}
	answer, err := s.Negotiate(offer)
	if err != nil {
		return "", err
	}
	if err := s.GatherCandidates(); err != nil {
		return "", err
	}
	if err := pub.ConnectSubscriber(ep); err != nil {
		return "", err
	}
	return answer, nil
}

// Unsubscribe detaches from pub and releases the endpoint.
func (s *Subscriber) Unsubscribe(pub *Publisher) {
	if pub != nil {
		if ep := s.Endpoint(); ep != nil {
			_ = pub.DisconnectSubscriber(ep)
		}
	}
	s.Release()
}
