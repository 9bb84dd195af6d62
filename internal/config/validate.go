package config

import (
	"os"

	ozzo "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/conneroisu/livepreview/internal/logging"
	"github.com/conneroisu/livepreview/internal/validation"
)

// Validate checks every section.
func (c *Config) Validate() error {
	return ozzo.ValidateStruct(c,
		ozzo.Field(&c.Project),
		ozzo.Field(&c.Server),
		ozzo.Field(&c.Transport),
		ozzo.Field(&c.Watch),
		ozzo.Field(&c.Log),
	)
}

// Validate checks the project section. The root must be an existing
// directory.
func (c ProjectConfig) Validate() error {
	return ozzo.ValidateStruct(&c,
		ozzo.Field(&c.Root, ozzo.Required, ozzo.By(isDir)),
		ozzo.Field(&c.BaseURL, validation.IsURL),
	)
}

func (c ServerConfig) Validate() error {
	return ozzo.ValidateStruct(&c,
		ozzo.Field(&c.Host, ozzo.Required),
		ozzo.Field(&c.Port, ozzo.Min(0), ozzo.Max(65535)),
		ozzo.Field(&c.FilterTimeout, ozzo.Min(0)),
	)
}

func (c TransportConfig) Validate() error {
	return ozzo.ValidateStruct(&c,
		ozzo.Field(&c.Host, ozzo.Required),
		ozzo.Field(&c.Port, ozzo.Min(0), ozzo.Max(65535)),
		ozzo.Field(&c.Path, ozzo.Required, validation.IsMountPath),
		ozzo.Field(&c.SendBuffer, ozzo.Min(1)),
		ozzo.Field(&c.ReadLimit, ozzo.Min(int64(1024))),
		ozzo.Field(&c.AllowedOrigins, ozzo.Each(validation.IsOriginPattern)),
		ozzo.Field(&c.MessageLimit, ozzo.Min(0)),
	)
}

func (c WatchConfig) Validate() error {
	return ozzo.ValidateStruct(&c,
		ozzo.Field(&c.Debounce, ozzo.Min(0)),
	)
}

func (c LogConfig) Validate() error {
	return ozzo.ValidateStruct(&c,
		ozzo.Field(&c.Level, ozzo.Required, ozzo.By(isLevel)),
		ozzo.Field(&c.Format, ozzo.Required, ozzo.In("text", "json")),
	)
}

func isDir(value interface{}) error {
	p, _ := value.(string)
	info, err := os.Stat(p)
	if err != nil {
		return ozzo.NewError("validation_not_found", "does not exist")
	}
	if !info.IsDir() {
		return ozzo.NewError("validation_not_dir", "must be a directory")
	}
	return nil
}

func isLevel(value interface{}) error {
	s, _ := value.(string)
	if _, err := logging.ParseLevel(s); err != nil {
		return ozzo.NewError("validation_log_level", "must be one of debug, info, warn, error")
	}
	return nil
}
