package upstream

import (
	"context"
	"io"
	"sync"

	"github.com/miekg/dns"
	"github.com/pkg/errors"

	"github.com/treemana/splitdns/log"
)

// ErrNoUsableResponse is returned by Resolve when every upstream was Unusable.
var ErrNoUsableResponse = errors.New("no usable response")

// Exchanger sends one query to one upstream resolver.
type Exchanger interface {
	Query(ctx context.Context, q *dns.Msg) Result
	Address() string
}

type Options struct {
	Client ClientOptions

	// Strict makes New fail when any upstream cannot be connected, instead of
	// continuing with the ones that could.
	Strict bool
}

// UpStream fans every query out to a fixed, ordered set of upstreams and
// picks one answer after all of them finished.
type UpStream struct {
	exchangers []Exchanger
}

func New(addrs []string, opt Options) (*UpStream, error) {
	if len(addrs) == 0 {
		return nil, errors.New("empty upstream addresses")
	}

	var exchangers = make([]Exchanger, 0, len(addrs))
	for _, addr := range addrs {
		c, err := NewClient(addr, opt.Client)
		if err != nil {
			if opt.Strict {
				closeAll(exchangers)
				return nil, err
			}
			log.Sugar.Warnf("upstream %s skipped, error=[%+v]", addr, err)
			continue
		}
		exchangers = append(exchangers, c)
	}

	if len(exchangers) == 0 {
		return nil, errors.New("no upstream could be connected")
	}

	return NewWithExchangers(exchangers...)
}

func NewWithExchangers(exchangers ...Exchanger) (*UpStream, error) {
	if len(exchangers) == 0 {
		return nil, errors.New("empty upstreams")
	}

	for i, ex := range exchangers {
		log.Sugar.Infof("upstream resolver %d %s", i, ex.Address())
	}

	return &UpStream{exchangers: exchangers}, nil
}

// Addresses returns the upstream addresses in arbitration priority order.
func (s *UpStream) Addresses() []string {
	var addrs = make([]string, len(s.exchangers))
	for i, ex := range s.exchangers {
		addrs[i] = ex.Address()
	}
	return addrs
}

// Resolve queries all upstreams concurrently and waits for every one of them
// to answer or time out. The winner is the first WithAddress response in
// configuration order, otherwise the first WithoutAddress one.
func (s *UpStream) Resolve(ctx context.Context, q *dns.Msg) (*Result, error) {
	if q == nil || len(q.Question) != 1 {
		return nil, errors.New("query needs exactly one question")
	}

	var results = make([]Result, len(s.exchangers))

	var wg sync.WaitGroup
	wg.Add(len(s.exchangers))
	for i := range s.exchangers {
		go func(index int) {
			defer wg.Done()
			results[index] = s.exchangers[index].Query(ctx, q)
		}(i)
	}
	wg.Wait()

	winner, ok := arbitrate(results)
	if !ok {
		log.Sugar.Warnf("id=%d, all %d upstreams unusable [%s]", q.Id, len(results), q.Question[0].String())
		return nil, errors.Wrapf(ErrNoUsableResponse, "[%s]", q.Question[0].String())
	}

	r := results[winner]
	log.Sugar.Debugf("id=%d, winner %s class=%s, cost %s", q.Id, r.Addr, r.Class, r.RTT)

	return &r, nil
}

// Close releases every upstream that holds a connection.
func (s *UpStream) Close() error {
	log.Sugar.Info("upstream stopping")
	err := closeAll(s.exchangers)
	log.Sugar.Info("upstream stopped")
	return err
}

func closeAll(exchangers []Exchanger) error {
	var first error
	for _, ex := range exchangers {
		c, ok := ex.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "close upstream %s", ex.Address())
		}
	}
	return first
}
