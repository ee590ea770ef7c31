package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/oszuidwest/zwfm-noisemonitor/internal/util"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NOISEMON_"

// Lookup returns the value of an environment variable and whether it is set.
type Lookup func(key string) (string, bool)

// readSecrets loads KEY=value pairs from a .env file. A missing file is not an error.
func readSecrets(path string) (map[string]string, error) {
	secrets, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, util.WrapError("read secrets file", err)
	}
	return secrets, nil
}

// chainLookup prefers the process environment over the secrets file.
func chainLookup(env Lookup, secrets map[string]string) Lookup {
	return func(key string) (string, bool) {
		if env != nil {
			if v, ok := env(key); ok {
				return v, true
			}
		}
		v, ok := secrets[key]
		return v, ok
	}
}

type override struct {
	key   string
	apply func(s *Settings, v string) error
}

func str(set func(s *Settings, v string)) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		set(s, v)
		return nil
	}
}

var overrides = []override{
	{"AUDIO_DEVICE", str(func(s *Settings, v string) { s.Audio.Device = v })},
	{"MODEL_PATH", str(func(s *Settings, v string) { s.Classifier.ModelPath = v })},
	{"REPORT_URL", str(func(s *Settings, v string) { s.Report.URL = v })},
	{"REPORT_TOKEN", str(func(s *Settings, v string) { s.Report.Token = v })},
	{"REPORT_TOKEN_URL", str(func(s *Settings, v string) { s.Report.TokenURL = v })},
	{"REPORT_CLIENT_ID", str(func(s *Settings, v string) { s.Report.ClientID = v })},
	{"REPORT_CLIENT_SECRET", str(func(s *Settings, v string) { s.Report.ClientSecret = v })},
	{"LINK_INTERFACE", str(func(s *Settings, v string) { s.Report.LinkInterface = v })},
	{"ARCHIVE_ACCESS_KEY_ID", str(func(s *Settings, v string) { s.Report.Archive.AccessKeyID = v })},
	{"ARCHIVE_SECRET_ACCESS_KEY", str(func(s *Settings, v string) { s.Report.Archive.SecretAccessKey = v })},
	{"STATUS_API_KEY", str(func(s *Settings, v string) { s.Status.APIKey = v })},
	{"STATUS_LISTEN_ADDR", str(func(s *Settings, v string) { s.Status.ListenAddr = v })},
	{"EVENT_LOG_PATH", str(func(s *Settings, v string) { s.EventLog.Path = v })},
	{"ALERT_WEBHOOK_URL", str(func(s *Settings, v string) { s.Alert.WebhookURL = v })},
	{"DEBUG", func(s *Settings, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		s.Debug = b
		return nil
	}},
}

// applyOverrides applies every NOISEMON_* variable that lookup returns.
func applyOverrides(s *Settings, lookup Lookup) error {
	for _, o := range overrides {
		key := EnvPrefix + o.key
		v, ok := lookup(key)
		if !ok {
			continue
		}
		if err := o.apply(s, v); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	return nil
}
