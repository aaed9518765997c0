// Package httpauth guards the catalog with HTTP Basic credentials and keeps
// the per-client bookkeeping around them: failed-attempt bans, the remembered
// clients set, and the request counters the admin API reports.
package httpauth

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/tinyopds/tinyopds/pkg/config"
)

// Stats is the request-counter snapshot served by the admin API and handed to
// subscribers after every request.
type Stats struct {
	Requests      int `json:"requests"`
	BooksSent     int `json:"books_sent"`
	ImagesSent    int `json:"images_sent"`
	UniqueClients int `json:"unique_clients"`
	GoodLogins    int `json:"good_logins"`
	BadLogins     int `json:"bad_logins"`
	BannedClients int `json:"banned_clients"`
}

type Service struct {
	enabled       bool
	banClients    bool
	wrongAttempts int
	banDuration   time.Duration
	remember      bool

	now func() time.Time

	credMu sync.Mutex
	creds  []config.Credential

	banMu    sync.Mutex
	failures map[string]int
	bans     map[string]time.Time

	// seen feeds the unique-clients statistic only; remembered is the
	// allowlist that lets a client skip the password check. Every request
	// lands in seen, so the two must never share a set.
	clientMu   sync.Mutex
	seen       map[string]struct{}
	remembered map[string]struct{}

	statsMu sync.Mutex
	stats   Stats
	subs    []func(Stats)
}

func NewService(cfg *config.Config) *Service {
	return &Service{
		enabled:       cfg.UseHTTPAuth,
		banClients:    cfg.BanClients,
		wrongAttempts: cfg.WrongAttemptsCount,
		banDuration:   cfg.BanDuration,
		remember:      cfg.RememberClients,
		now:           time.Now,
		creds:         cfg.CredentialList(),
		failures:      map[string]int{},
		bans:          map[string]time.Time{},
		seen:          map[string]struct{}{},
		remembered:    map[string]struct{}{},
	}
}

// Enabled reports whether Basic authentication is turned on.
func (svc *Service) Enabled() bool {
	return svc.enabled
}

// SetCredentials swaps the accepted credential list, for settings updates.
func (svc *Service) SetCredentials(creds []config.Credential) {
	svc.credMu.Lock()
	defer svc.credMu.Unlock()
	svc.creds = creds
}

// Authenticate checks a user/password pair against the credential list. The
// comparison is constant-time per entry so timing cannot separate a wrong
// password from a wrong user.
func (svc *Service) Authenticate(user, password string) bool {
	svc.credMu.Lock()
	defer svc.credMu.Unlock()

	ok := false
	for _, c := range svc.creds {
		userOK := subtle.ConstantTimeCompare([]byte(c.User), []byte(user)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(c.Password), []byte(password)) == 1
		if userOK && passOK {
			ok = true
		}
	}
	return ok
}

// IsBanned reports whether a client address is currently on the block list.
// Expired bans are cleared as a side effect.
func (svc *Service) IsBanned(client string) bool {
	svc.banMu.Lock()
	defer svc.banMu.Unlock()

	until, ok := svc.bans[client]
	if !ok {
		return false
	}
	if svc.now().After(until) {
		delete(svc.bans, client)
		delete(svc.failures, client)
		return false
	}
	return true
}

// RecordFailure counts one failed login for a client and bans it once the
// configured attempt budget is spent. Returns true when the client is now
// banned.
func (svc *Service) RecordFailure(client string) bool {
	svc.countLogin(false)

	if !svc.banClients {
		return false
	}

	svc.banMu.Lock()
	defer svc.banMu.Unlock()

	svc.failures[client]++
	if svc.failures[client] < svc.wrongAttempts {
		return false
	}
	svc.bans[client] = svc.now().Add(svc.banDuration)

	svc.statsMu.Lock()
	svc.stats.BannedClients++
	svc.statsMu.Unlock()
	return true
}

// RecordSuccess counts a good login, clears the client's failure budget and,
// when remembering is on, adds it to the known-clients set so later requests
// skip the password check.
func (svc *Service) RecordSuccess(client string) {
	svc.countLogin(true)

	svc.banMu.Lock()
	delete(svc.failures, client)
	svc.banMu.Unlock()

	if svc.remember {
		svc.clientMu.Lock()
		svc.remembered[client] = struct{}{}
		svc.clientMu.Unlock()
	}
}

// IsRemembered reports whether a client already authenticated successfully.
func (svc *Service) IsRemembered(client string) bool {
	if !svc.remember {
		return false
	}
	svc.clientMu.Lock()
	defer svc.clientMu.Unlock()
	_, ok := svc.remembered[client]
	return ok
}

// TrackClient registers a client address for the unique-clients statistic.
// It is not a login and never marks the client remembered.
func (svc *Service) TrackClient(client string) {
	svc.clientMu.Lock()
	svc.seen[client] = struct{}{}
	svc.clientMu.Unlock()
}

func (svc *Service) countLogin(good bool) {
	svc.statsMu.Lock()
	defer svc.statsMu.Unlock()
	if good {
		svc.stats.GoodLogins++
	} else {
		svc.stats.BadLogins++
	}
}

// CountRequest increments the request counter and notifies subscribers.
func (svc *Service) CountRequest() {
	svc.statsMu.Lock()
	svc.stats.Requests++
	svc.statsMu.Unlock()
	svc.emit()
}

// CountBook counts one served book download.
func (svc *Service) CountBook() {
	svc.statsMu.Lock()
	svc.stats.BooksSent++
	svc.statsMu.Unlock()
}

// CountImage counts one served cover or thumbnail.
func (svc *Service) CountImage() {
	svc.statsMu.Lock()
	svc.stats.ImagesSent++
	svc.statsMu.Unlock()
}

// Snapshot returns the current counters.
func (svc *Service) Snapshot() Stats {
	svc.clientMu.Lock()
	unique := len(svc.seen)
	svc.clientMu.Unlock()

	svc.statsMu.Lock()
	defer svc.statsMu.Unlock()
	s := svc.stats
	s.UniqueClients = unique
	return s
}

// Subscribe registers a callback invoked with a fresh snapshot after every
// counted request.
func (svc *Service) Subscribe(fn func(Stats)) {
	svc.statsMu.Lock()
	defer svc.statsMu.Unlock()
	svc.subs = append(svc.subs, fn)
}

func (svc *Service) emit() {
	s := svc.Snapshot()

	svc.statsMu.Lock()
	subs := make([]func(Stats), len(svc.subs))
	copy(subs, svc.subs)
	svc.statsMu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}
