// config_test.go tests config files
package config

import (
	"os"
	"testing"
)

// fileToTest is a relative path to the configuration file to test (ie. chainwatch/cmd/conf.json)
var fileToTest string = "../../cmd/conf.json"

// TestConfig extracts config from a file and checks values loaded
func TestConfig(t *testing.T) {
	//extract configuration
	conf, err := ExtractConfiguration(fileToTest)
	if err != nil {
		t.Errorf("Error reading config file:%e\n", err)
	} else {
		// lets check the port
		if conf.Port != "3030" {
			t.Errorf("config port is not the expected %s", conf.Port)
		}
		// and the upstream feed
		if conf.Upstream.Node != "ws://localhost:8900" || conf.Upstream.DialTimeout != 10 {
			t.Errorf("upstream does not match the expected %+v", conf.Upstream)
		}
		// and the anomaly tunables
		if conf.Anomaly.WindowSize != 10 || conf.Anomaly.FailureThreshold != 0.7 ||
			conf.Anomaly.FeeSpikeMultiplier != 8 || len(conf.Anomaly.PatternKeywords) != 4 {
			t.Errorf("anomaly config does not match the expected %+v", conf.Anomaly)
		}
		// and the rate buckets
		if conf.Rate.General.Capacity != 60 || conf.Rate.Auth.Refill != 0.1 || conf.Rate.MaxClients != 10000 {
			t.Errorf("rate config does not match the expected %+v", conf.Rate)
		}
	}
}

// TestConfigEnv checks OS ENV variables override both defaults and file values
func TestConfigEnv(t *testing.T) {
	os.Setenv("CW_PORT", "3032")
	os.Setenv("CW_ANOMALY", `{"windowSize":20,"failureThreshold":0.5,"feeSpikeMultiplier":4}`)
	defer os.Unsetenv("CW_PORT")
	defer os.Unsetenv("CW_ANOMALY")

	conf, err := ExtractConfiguration(fileToTest)
	if err != nil {
		t.Errorf("Error reading config file:%e\n", err)
	}
	if conf.Port != "3032" {
		t.Errorf("CW_PORT did not override, got %s", conf.Port)
	}
	if conf.Anomaly.WindowSize != 20 || conf.Anomaly.FailureThreshold != 0.5 || conf.Anomaly.FeeSpikeMultiplier != 4 {
		t.Errorf("CW_ANOMALY did not override, got %+v", conf.Anomaly)
	}

	// a broken JSON ENV should error
	os.Setenv("CW_RATE", "{not json")
	defer os.Unsetenv("CW_RATE")
	if _, err = ExtractConfiguration(fileToTest); err == nil {
		t.Errorf("expected error with broken CW_RATE")
	}
}
