package config

import (
	"bufio"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/ghodss/yaml"
)

// ServerProperties holds the tunables of the demo server built on the
// event loop runtime.
type ServerProperties struct {
	Bind           string `cfg:"bind" yaml:"bind"`
	Port           int    `cfg:"port" yaml:"port"`
	WorkerLoops    int    `cfg:"worker-loops" yaml:"workerLoops"`
	IdleTimeoutSec int    `cfg:"idle-timeout" yaml:"idleTimeoutSec"`
	TCPNodelay     bool   `cfg:"tcp-nodelay" yaml:"tcpNodelay"`
	DebugMode      bool   `cfg:"debug" yaml:"debugMode"`
}

var Properties *ServerProperties

func init() {
	Properties = &ServerProperties{
		Bind:           "127.0.0.1",
		Port:           6380,
		WorkerLoops:    2,
		IdleTimeoutSec: 0,
		TCPNodelay:     true,
		DebugMode:      false,
	}
}

// parse reads a redis.conf-style key/value file.
func parse(reader io.Reader) (*ServerProperties, error) {
	configs := Properties
	cfgMap := make(map[string]string)
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()
		// skip comments
		if len(line) > 0 && line[0] == '#' {
			continue
		}
		// get gap between key and value
		idx := strings.IndexAny(line, " ")
		if idx > 0 && idx < len(line)-1 {
			key := line[0:idx]
			value := strings.Trim(line[idx+1:], " ")
			cfgMap[strings.ToLower(key)] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	t := reflect.TypeOf(configs)
	v := reflect.ValueOf(configs)
	n := t.Elem().NumField()
	for i := 0; i < n; i++ {
		field := t.Elem().Field(i)
		fieldValue := v.Elem().Field(i)
		key, ok := field.Tag.Lookup("cfg")
		if !ok {
			key = field.Name
		}
		value, ok := cfgMap[strings.ToLower(key)]
		if !ok {
			continue
		}
		switch field.Type.Kind() {
		case reflect.String:
			fieldValue.SetString(value)
		case reflect.Int:
			num, err := strconv.ParseInt(value, 10, 64)
			if err == nil {
				fieldValue.SetInt(num)
			}
		case reflect.Bool:
			boolVal, err := strconv.ParseBool(value)
			if err == nil {
				fieldValue.SetBool(boolVal)
			}
		}
	}
	return configs, nil
}

func parseYAML(file *os.File) (*ServerProperties, error) {
	configs := Properties
	bytes, err := io.ReadAll(file)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(bytes, configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// LoadConfigs fills Properties from the given file, YAML or conf style by
// extension. Defaults stay in place for keys the file does not set.
func LoadConfigs(configFilePath string) error {
	file, err := os.Open(configFilePath)
	if err != nil {
		return err
	}
	defer file.Close()

	var props *ServerProperties
	if strings.HasSuffix(configFilePath, ".yaml") || strings.HasSuffix(configFilePath, ".yml") {
		props, err = parseYAML(file)
	} else {
		props, err = parse(file)
	}
	if err != nil {
		return err
	}
	Properties = props
	return nil
}
