package config

import (
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/treemana/splitdns/util"
)

// DefaultUpstreams are used when neither the file, the environment nor the
// command line name any upstream.
var DefaultUpstreams = []string{"8.8.8.8:53", "8.8.4.4:53", "1.1.1.1:53", "1.0.0.1:53"}

// MaxSeconds bounds every duration given in seconds, larger values would
// overflow time.Duration.
const MaxSeconds = math.MaxInt32

// Option is the complete runtime configuration. For further additions keep the
// zero value meaningful, a missing key in the file leaves the default in place.
type Option struct {
	Log struct {
		File    string `toml:"file"`
		STDOUT  bool   `toml:"stdout"`
		Verbose bool   `toml:"verbose"`
		Level   string `toml:"level"`
		JSON    bool   `toml:"json"`
	} `toml:"log"`

	Server struct {
		Host       string `toml:"host"`
		Port       int    `toml:"port"`
		BufferSize int    `toml:"buffer_size"`
	} `toml:"server"`

	Cache struct {
		// TTL number of seconds an answer is reused, cache will be disabled if zero
		TTL      uint64 `toml:"ttl"`
		Capacity int    `toml:"capacity"`
		// GCPeriod number of seconds between sweeps of expired answers
		GCPeriod uint64 `toml:"gc_period"`
	} `toml:"cache"`

	Upstream struct {
		Servers          []string `toml:"servers"`
		ConnectTimeoutMS int      `toml:"connect_timeout_ms"`
		RequestTimeoutMS int      `toml:"request_timeout_ms"`
		Strict           bool     `toml:"strict"`
	} `toml:"upstream"`

	// Groups are the remaining tables of the file, each holding a comma
	// separated server list, in file order
	Groups []Group `toml:"-"`
}

type Group struct {
	Name    string `toml:"-"`
	Servers string `toml:"servers"`
}

var reserved = map[string]struct{}{"log": {}, "server": {}, "cache": {}, "upstream": {}}

func Default() *Option {
	var opt Option
	opt.Log.STDOUT = true
	opt.Log.Level = "info"
	opt.Server.Host = "0.0.0.0"
	opt.Server.Port = 53
	opt.Server.BufferSize = 1024
	opt.Cache.TTL = 5 * 60
	opt.Cache.GCPeriod = 60
	opt.Upstream.ConnectTimeoutMS = 1000
	opt.Upstream.RequestTimeoutMS = 2000
	return &opt
}

// Load reads a TOML file on top of the defaults.
func Load(file string) (*Option, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", file)
	}

	opt, err := Parse(string(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", file)
	}

	return opt, nil
}

func Parse(data string) (*Option, error) {
	opt := Default()
	if _, err := toml.Decode(data, opt); err != nil {
		return nil, err
	}

	var sections map[string]toml.Primitive
	md, err := toml.Decode(data, &sections)
	if err != nil {
		return nil, err
	}

	for _, key := range md.Keys() {
		if len(key) != 1 || md.Type(key...) != "Hash" {
			continue
		}
		if _, ok := reserved[key[0]]; ok {
			continue
		}

		var g Group
		if err = md.PrimitiveDecode(sections[key[0]], &g); err != nil {
			return nil, errors.Wrapf(err, "group %s", key[0])
		}
		if len(strings.TrimSpace(g.Servers)) == 0 {
			continue
		}
		g.Name = key[0]
		opt.Groups = append(opt.Groups, g)
	}

	return opt, nil
}

// ApplyEnv overrides options from HOST, PORT, TTL and UPSTREAMS.
func (o *Option) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("HOST"); ok && len(v) > 0 {
		o.Server.Host = v
	}

	if v, ok := lookup("PORT"); ok && len(v) > 0 {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "env PORT=%q", v)
		}
		o.Server.Port = port
	}

	if v, ok := lookup("TTL"); ok && len(v) > 0 {
		ttl, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "env TTL=%q", v)
		}
		o.Cache.TTL = ttl
	}

	if v, ok := lookup("UPSTREAMS"); ok && len(v) > 0 {
		o.Upstream.Servers = util.SplitList(v)
		o.Groups = nil
	}

	return nil
}

// Upstreams returns the normalized upstream list: servers first, then groups
// in file order, duplicates removed.
func (o *Option) Upstreams() ([]string, error) {
	var raws = append([]string{}, o.Upstream.Servers...)
	for _, g := range o.Groups {
		raws = append(raws, util.SplitList(g.Servers)...)
	}

	if len(raws) == 0 {
		raws = DefaultUpstreams
	}

	return util.ParseUpstreams(raws)
}

func (o *Option) Validate() error {
	if len(strings.TrimSpace(o.Server.Host)) == 0 {
		return errors.New("empty server host")
	}

	if o.Server.Port < 0 || o.Server.Port > 65535 {
		return errors.Errorf("invalid server port=%d", o.Server.Port)
	}

	if o.Server.BufferSize < 12 {
		return errors.Errorf("buffer_size=%d cannot hold a dns header", o.Server.BufferSize)
	}

	if o.Cache.Capacity < 0 {
		return errors.Errorf("invalid cache capacity=%d", o.Cache.Capacity)
	}

	if o.Cache.TTL > MaxSeconds {
		return errors.Errorf("cache ttl=%d exceeds %d seconds", o.Cache.TTL, MaxSeconds)
	}

	if o.Cache.GCPeriod > MaxSeconds {
		return errors.Errorf("cache gc_period=%d exceeds %d seconds", o.Cache.GCPeriod, MaxSeconds)
	}

	if o.Upstream.ConnectTimeoutMS < 0 || o.Upstream.RequestTimeoutMS < 0 {
		return errors.New("negative upstream timeout")
	}

	if o.Upstream.ConnectTimeoutMS > MaxSeconds || o.Upstream.RequestTimeoutMS > MaxSeconds {
		return errors.Errorf("upstream timeout exceeds %d ms", MaxSeconds)
	}

	_, err := o.Upstreams()
	return err
}

func (o *Option) CacheTTL() time.Duration {
	return time.Duration(o.Cache.TTL) * time.Second
}

func (o *Option) CacheGCPeriod() time.Duration {
	return time.Duration(o.Cache.GCPeriod) * time.Second
}

func (o *Option) ConnectTimeout() time.Duration {
	return time.Duration(o.Upstream.ConnectTimeoutMS) * time.Millisecond
}

func (o *Option) RequestTimeout() time.Duration {
	return time.Duration(o.Upstream.RequestTimeoutMS) * time.Millisecond
}
