package database

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// endpoint is where the pool connects: the database itself or the local end
// of the SSH tunnel.
type endpoint struct {
	host string
	port int
}

func (e endpoint) String() string {
	return e.host + ":" + strconv.Itoa(e.port)
}

// buildDSN constructs a lib/pq key=value connection string.
func buildDSN(ep endpoint, cred credentials, name, sslMode string, connectTimeout time.Duration) string {
	parts := []string{
		"host=" + quoteDSNValue(ep.host),
		"port=" + strconv.Itoa(ep.port),
		"user=" + quoteDSNValue(cred.user),
	}
	if cred.password != "" {
		parts = append(parts, "password="+quoteDSNValue(cred.password))
	}
	if name != "" {
		parts = append(parts, "dbname="+quoteDSNValue(name))
	}
	if sslMode != "" {
		parts = append(parts, "sslmode="+quoteDSNValue(sslMode))
	}
	if connectTimeout > 0 {
		secs := int(connectTimeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		parts = append(parts, fmt.Sprintf("connect_timeout=%d", secs))
	}
	return strings.Join(parts, " ")
}

// quoteDSNValue single-quotes values containing spaces, quotes or backslashes.
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

var dsnPassword = regexp.MustCompile(`password=('(?:[^'\\]|\\.)*'|\S+)`)

// redactDSN removes the password from a connection string for safe logging.
func redactDSN(dsn string) string {
	return dsnPassword.ReplaceAllString(dsn, "password=***")
}
