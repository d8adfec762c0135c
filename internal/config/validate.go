package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports field errors by their yaml names so messages match
// the dotted paths used in config files.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fieldError(err)
	}

	if c.Stream.ReconnectBaseDelay > c.Stream.ReconnectMaxDelay {
		return fmt.Errorf("stream.reconnect_base_delay (%s) cannot exceed reconnect_max_delay (%s)",
			c.Stream.ReconnectBaseDelay, c.Stream.ReconnectMaxDelay)
	}
	if c.Stream.HeartbeatInterval <= 0 {
		return errors.New("stream.heartbeat_interval must be > 0")
	}

	if c.Dispatch.HistoryMaxBuffer > 0 && c.Dispatch.HistoryMaxBuffer < c.Dispatch.HistoryBufferSize {
		return fmt.Errorf("dispatch.history_max_buffer (%d) cannot be below history_buffer_size (%d)",
			c.Dispatch.HistoryMaxBuffer, c.Dispatch.HistoryBufferSize)
	}

	if c.Database.Enabled {
		if err := c.Database.Timescale.validate("database.timescale"); err != nil {
			return err
		}
		if c.Dispatch.HistoryBufferSize == 0 {
			return errors.New("dispatch.history_buffer_size must be >= 1 when database is enabled")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}

	if c.Poller.Enabled && c.Poller.Interval <= 0 {
		return errors.New("poller.interval must be > 0")
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

// fieldError converts the first validator failure into a dotted-path message.
func fieldError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}

	fe := verrs[0]
	path := fe.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		path = rest
	}

	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", path)
	case "min", "gte":
		return fmt.Errorf("%s must be >= %s", path, fe.Param())
	case "oneof":
		return fmt.Errorf("%s must be one of [%s], got %q", path, fe.Param(), fe.Value())
	case "url":
		return fmt.Errorf("%s must be a valid URL", path)
	case "hostname_port":
		return fmt.Errorf("%s must be host:port, got %q", path, fe.Value())
	case "startswith":
		return fmt.Errorf("%s must start with %q", path, fe.Param())
	default:
		return fmt.Errorf("%s failed %s validation", path, fe.Tag())
	}
}
