package portal

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

type Kind int

const (
	String Kind = iota
	Number
	Bool
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Number:
		return "number"
	case Bool:
		return "bool"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Entry describes one field of the configuration form and the store key it
// edits.
type Entry struct {
	Name     string
	Key      string
	Kind     Kind
	Password bool // never echoed back, any non-empty submission is a change
	Restart  bool // changing it restarts the device
}

// Result is the outcome of a form submission.
type Result struct {
	Changes       int
	Restart       bool
	ConnectFailed bool
	CommitFailed  bool
	Errors        []string
}

// RestartPending reports whether the device must restart now that the
// response is out.
func (r Result) RestartPending() bool {
	return r.Restart && !r.ConnectFailed && !r.CommitFailed
}

// identity is the network part of the form.
type identity struct {
	SSID     string `schema:"SSID"`
	Password string `schema:"WIFI_PW"`
	Host     string `schema:"HOST"`
}

var hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

func isIdentityKey(key string) bool {
	return key == KeySSID || key == KeyPassword || key == KeyHost
}

type previous struct {
	value   []byte
	present bool
}

// Submit applies a form to the store. Empty fields are ignored. When a
// network identity key changed, the new credentials are tried right away:
// on failure every value touched by this submission is put back, nothing is
// committed and the portal returns to broadcasting.
func (c *Controller) Submit(form url.Values) Result {
	var res Result

	var id identity
	if err := c.decoder.Decode(&id, form); err != nil {
		c.log.Error(err, "Failed to decode network identity")
		res.Errors = append(res.Errors, "Invalid network settings.")
		return res
	}
	badHost := id.Host != "" && !hostnameRe.MatchString(id.Host)
	if badHost {
		res.Errors = append(res.Errors, "Hostname can only contain letters, numbers and hyphens.")
	}

	touched := make(map[string]previous)
	identityChanged := false

	for _, e := range c.entries {
		raw := form.Get(e.Key)
		if raw == "" || (e.Key == KeyHost && badHost) {
			continue
		}
		changed, err := c.apply(e, raw, touched)
		if err != nil {
			c.log.Error(err, "Rejected configuration value", "key", e.Key, "kind", e.Kind.String())
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", e.Name, err))
			continue
		}
		if !changed {
			continue
		}
		c.log.Info("Configuration changed", "key", e.Key, "restart", e.Restart)
		res.Changes++
		if e.Restart {
			res.Restart = true
		}
		if isIdentityKey(e.Key) {
			identityChanged = true
		}
	}

	if identityChanged {
		ssid, _ := c.store.Get(KeySSID)
		pw, _ := c.store.Get(KeyPassword)
		if !c.station.Configure(c.profile(ssid, pw)) {
			c.log.Info("New credentials did not connect, restoring previous values", "ssid", ssid, "keys", len(touched))
			c.rollback(touched)
			res.ConnectFailed = true
			c.state = NotConfigured
			c.apStarted = false
			c.startAP()
			return res
		}
		c.state = StationBound
	}

	if res.Changes > 0 {
		if err := c.store.Commit(); err != nil {
			c.log.Error(err, "Failed to commit configuration")
			res.CommitFailed = true
		}
	}
	return res
}

// apply writes one submitted value when it differs from the stored one.
// Text is stored as submitted: passphrases and SSIDs may start or end with
// spaces.
func (c *Controller) apply(e Entry, raw string, touched map[string]previous) (bool, error) {
	cur, present := c.store.GetBytes(e.Key)

	var (
		changed bool
		write   func() error
	)
	switch e.Kind {
	case Number:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 32)
		if err != nil {
			return false, fmt.Errorf("not a 32-bit integer: %q", raw)
		}
		v := int32(n)
		changed = !present || len(cur) != 4 || c.store.GetLong(e.Key, 0) != v
		write = func() error { return c.store.SetLong(e.Key, v) }
	case Bool:
		v := strings.TrimSpace(raw) == "1"
		changed = !present || len(cur) != 1 || c.store.GetBool(e.Key, !v) != v
		write = func() error { return c.store.SetBool(e.Key, v) }
	default:
		changed = e.Password || !present || !bytes.Equal(cur, []byte(raw))
		write = func() error { return c.store.Set(e.Key, raw) }
	}
	if !changed {
		return false, nil
	}

	if _, seen := touched[e.Key]; !seen {
		touched[e.Key] = previous{value: cur, present: present}
	}
	if err := write(); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Controller) rollback(touched map[string]previous) {
	for key, prev := range touched {
		var err error
		if prev.present {
			err = c.store.SetBytes(key, prev.value)
		} else {
			err = c.store.Delete(key)
		}
		if err != nil {
			c.log.Error(err, "Failed to restore configuration value", "key", key)
		}
	}
}

type message struct {
	Class string
	Text  string
}

type field struct {
	Name     string
	Key      string
	Type     string
	Value    string
	Required bool
	Selected bool
}

type page struct {
	Messages []message
	Fields   []field
	Device   string
}

func (c *Controller) render(res Result) ([]byte, error) {
	p := page{Device: c.DeviceName()}

	if res.Changes > 0 && !res.ConnectFailed {
		p.Messages = append(p.Messages, message{"success", fmt.Sprintf("%d changes made successfully.", res.Changes)})
	}
	if res.RestartPending() {
		p.Messages = append(p.Messages, message{"info", "Device will restart now."})
	}
	if res.ConnectFailed {
		p.Messages = append(p.Messages, message{"error", "Failed to connect to WiFi. Please check your credentials."})
	}
	if res.CommitFailed {
		p.Messages = append(p.Messages, message{"error", "Failed to save settings."})
	}
	for _, e := range res.Errors {
		p.Messages = append(p.Messages, message{"error", e})
	}

	for _, e := range c.entries {
		f := field{Name: e.Name, Key: e.Key}
		switch e.Kind {
		case Number:
			f.Type = "number"
			if _, ok := c.store.GetBytes(e.Key); ok && !e.Password {
				f.Value = strconv.FormatInt(int64(c.store.GetLong(e.Key, 0)), 10)
			}
		case Bool:
			f.Type = "select"
			f.Selected = c.store.GetBool(e.Key, false)
		default:
			f.Type = "text"
			if e.Password {
				f.Type = "password"
			} else {
				f.Value, _ = c.store.Get(e.Key)
			}
			f.Required = e.Key == KeySSID
		}
		p.Fields = append(p.Fields, f)
	}

	var buf bytes.Buffer
	if err := c.assets.page.Execute(&buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
