package env

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/loykin/proxymgr/internal/logger"
)

// Defaults describing a matlab-proxy backend.
const (
	DefaultHost           = "127.0.0.1"
	DefaultScheme         = "http"
	DefaultPortEnv        = "MWI_APP_PORT"
	DefaultBasePathEnv    = "MWI_BASE_URL"
	DefaultBasePathPrefix = "/matlab/"
	DefaultHeaderPrefix   = "MWI"
	DefaultTokenEnv       = "MWI_AUTH_TOKEN"
	DefaultReadyPath      = "/get_status"
)

// Profile describes how to launch one flavor of backend. It is supplied by
// configuration; the orchestrator treats the command as opaque.
type Profile struct {
	Command        []string      `mapstructure:"command"`
	Env            []string      `mapstructure:"env"`
	InheritEnv     bool          `mapstructure:"inherit_env"`
	WorkDir        string        `mapstructure:"work_dir"`
	Host           string        `mapstructure:"host"`
	Scheme         string        `mapstructure:"scheme"`
	PortEnv        string        `mapstructure:"port_env"`
	BasePathEnv    string        `mapstructure:"base_path_env"`
	BasePathPrefix string        `mapstructure:"base_path_prefix"`
	HeaderPrefix   string        `mapstructure:"header_prefix"`
	TokenEnv       string        `mapstructure:"token_env"`
	ReadyPath      string        `mapstructure:"ready_path"`
	Log            logger.Config `mapstructure:"log"`
}

// DefaultProfile returns the matlab-proxy profile without a command.
func DefaultProfile() Profile {
	return Profile{
		InheritEnv:     true,
		Host:           DefaultHost,
		Scheme:         DefaultScheme,
		PortEnv:        DefaultPortEnv,
		BasePathEnv:    DefaultBasePathEnv,
		BasePathPrefix: DefaultBasePathPrefix,
		HeaderPrefix:   DefaultHeaderPrefix,
		TokenEnv:       DefaultTokenEnv,
		ReadyPath:      DefaultReadyPath,
	}
}

// Launch is a fully prepared backend invocation.
type Launch struct {
	Command   []string
	Env       []string
	WorkDir   string
	ServerURL string
	BasePath  string
	ReadyURL  string
	Headers   map[string]string
}

// Prepare fills the port, base path and internal token into the profile's
// environment for the slot identity ident.
func (p Profile) Prepare(ident string, port int) (Launch, error) {
	if len(p.Command) == 0 {
		return Launch{}, fmt.Errorf("backend command is not configured")
	}
	if port <= 0 || port > 65535 {
		return Launch{}, fmt.Errorf("invalid port %d", port)
	}
	host := valOr(p.Host, DefaultHost)
	scheme := valOr(p.Scheme, DefaultScheme)
	basePath := BasePath(valOr(p.BasePathPrefix, DefaultBasePathPrefix), ident)

	var e *Env
	if p.InheritEnv {
		e = New()
	} else {
		e = Isolated()
	}
	for k, v := range Parse(p.Env) {
		e = e.WithSet(k, v)
	}
	over := []string{
		valOr(p.PortEnv, DefaultPortEnv) + "=" + strconv.Itoa(port),
		valOr(p.BasePathEnv, DefaultBasePathEnv) + "=" + basePath,
	}
	if p.TokenEnv != "" {
		tok, err := Token(32)
		if err != nil {
			return Launch{}, err
		}
		over = append(over, p.TokenEnv+"="+tok)
	}
	merged := e.Merge(over)

	serverURL := scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
	return Launch{
		Command:   append([]string(nil), p.Command...),
		Env:       merged,
		WorkDir:   p.WorkDir,
		ServerURL: serverURL,
		BasePath:  basePath,
		ReadyURL:  serverURL + basePath + p.ReadyPath,
		Headers:   Headers(merged, p.HeaderPrefix),
	}, nil
}

// BasePath joins prefix and ident into a route prefix without a trailing slash.
func BasePath(prefix, ident string) string {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimRight(prefix, "/") + "/" + strings.Trim(ident, "/")
}

// Headers converts every PREFIX* variable of kvs into a header whose name is
// the variable name with '_' replaced by '-'. An empty prefix yields no headers.
func Headers(kvs []string, prefix string) map[string]string {
	out := make(map[string]string)
	if prefix == "" {
		return out
	}
	for k, v := range Parse(kvs) {
		if strings.HasPrefix(k, prefix) {
			out[strings.ReplaceAll(k, "_", "-")] = v
		}
	}
	return out
}

// Token returns n random bytes encoded URL-safe.
func Token(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func valOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
