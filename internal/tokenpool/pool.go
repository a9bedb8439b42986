package tokenpool

// Pool holds an ordered mapping from token string to TokenInfo. Insertion
// order is preserved so that get_token's scan is a deterministic round-robin
// over admin-import order rather than map iteration order.
type Pool struct {
	name   string
	order  []string
	tokens map[string]*TokenInfo
}

func newPool(name string) *Pool {
	return &Pool{
		name:   name,
		tokens: make(map[string]*TokenInfo),
	}
}

// put inserts or replaces a token, appending to the order slice only on
// first insertion.
func (p *Pool) put(info *TokenInfo) {
	if _, exists := p.tokens[info.Token]; !exists {
		p.order = append(p.order, info.Token)
	}
	p.tokens[info.Token] = info
}

func (p *Pool) get(token string) (*TokenInfo, bool) {
	info, ok := p.tokens[token]
	return info, ok
}

func (p *Pool) remove(token string) {
	if _, ok := p.tokens[token]; !ok {
		return
	}
	delete(p.tokens, token)
	for i, t := range p.order {
		if t == token {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// firstActive scans the pool in insertion order and returns the first
// active token whose value is not present in exclude.
func (p *Pool) firstActive(exclude map[string]bool) *TokenInfo {
	for _, token := range p.order {
		info := p.tokens[token]
		if info.Status != StatusActive {
			continue
		}
		if exclude != nil && exclude[token] {
			continue
		}
		return info
	}
	return nil
}

// all returns every token in insertion order.
func (p *Pool) all() []*TokenInfo {
	out := make([]*TokenInfo, 0, len(p.order))
	for _, token := range p.order {
		out = append(out, p.tokens[token])
	}
	return out
}

func (p *Pool) coolingTokens() []*TokenInfo {
	out := make([]*TokenInfo, 0)
	for _, token := range p.order {
		if info := p.tokens[token]; info.Status == StatusCooling {
			out = append(out, info)
		}
	}
	return out
}
