package sftpops

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// AuthMethod represents the SSH authentication method to use.
type AuthMethod string

const (
	// AuthMethodPrivateKey uses SSH private key authentication (default).
	AuthMethodPrivateKey AuthMethod = "private_key"
	// AuthMethodPassword uses password authentication.
	AuthMethodPassword AuthMethod = "password"
	// AuthMethodCertificate uses SSH certificate authentication.
	AuthMethodCertificate AuthMethod = "certificate"
	// AuthMethodAgent uses the keys held by the agent at SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

// Endpoint describes the remote host and how to authenticate against it.
// It is treated as read-only once handed to this package.
type Endpoint struct {
	// Host is the target SSH server hostname or IP address.
	Host string `mapstructure:"host"`

	// Port is the SSH port (default 22).
	Port int `mapstructure:"port"`

	// User is the SSH username.
	User string `mapstructure:"user"`

	// AuthMethod specifies which authentication method to use.
	// If not set, it will be inferred from the provided credentials.
	AuthMethod AuthMethod `mapstructure:"auth_method"`

	// PrivateKey is the SSH private key content (PEM encoded).
	// Mutually exclusive with KeyPath.
	PrivateKey string `mapstructure:"private_key"`

	// KeyPath is the path to the SSH private key file.
	KeyPath string `mapstructure:"key_path"`

	// Passphrase decrypts an encrypted private key.
	Passphrase string `mapstructure:"passphrase"`

	// Password is the SSH password for password authentication.
	Password string `mapstructure:"password"`

	// Certificate is the SSH certificate content, used together with a private key.
	Certificate string `mapstructure:"certificate"`

	// CertificatePath is the path to the SSH certificate file.
	CertificatePath string `mapstructure:"certificate_path"`

	// KnownHostsFile is the path to a known_hosts file for host key verification.
	// If not set, defaults to ~/.ssh/known_hosts if it exists.
	KnownHostsFile string `mapstructure:"known_hosts_file"`

	// StrictHostKeyChecking is "yes" (default) or "no". With "yes" a
	// known_hosts file is required.
	StrictHostKeyChecking string `mapstructure:"strict_host_key_checking"`

	// InsecureIgnoreHostKey skips host key verification.
	// WARNING: This is insecure and should only be used for testing.
	InsecureIgnoreHostKey bool `mapstructure:"insecure_ignore_host_key"`

	// Ciphers, KeyExchanges, MACs and HostKeyAlgorithms override the
	// algorithm preferences of the SSH client when non-empty.
	Ciphers           []string `mapstructure:"ciphers"`
	KeyExchanges      []string `mapstructure:"key_exchanges"`
	MACs              []string `mapstructure:"macs"`
	HostKeyAlgorithms []string `mapstructure:"host_key_algorithms"`

	// Compression is a zlib level preference. The SSH client in use does not
	// negotiate compression, so a non-zero value only produces a warning.
	Compression int `mapstructure:"compression"`

	// ServerAliveInterval enables keepalive requests at this interval.
	ServerAliveInterval time.Duration `mapstructure:"server_alive_interval"`

	// ServerAliveCountMax is the number of unanswered keepalives after which
	// the session is closed (default 3).
	ServerAliveCountMax int `mapstructure:"server_alive_count_max"`

	// BastionHost is the hostname or IP of a bastion/jump host.
	BastionHost string `mapstructure:"bastion_host"`

	// BastionPort is the SSH port of the bastion host (default 22).
	BastionPort int `mapstructure:"bastion_port"`

	// BastionUser falls back to User if not set.
	BastionUser string `mapstructure:"bastion_user"`

	// BastionKey falls back to PrivateKey if not set.
	BastionKey string `mapstructure:"bastion_key"`

	// BastionKeyPath falls back to KeyPath if not set.
	BastionKeyPath string `mapstructure:"bastion_key_path"`

	// BastionPassword is the password for the bastion host.
	BastionPassword string `mapstructure:"bastion_password"`
}

// WithDefaults returns a copy of the endpoint with default values applied.
func (e Endpoint) WithDefaults() Endpoint {
	if e.Port == 0 {
		e.Port = 22
	}
	if e.BastionPort == 0 && e.BastionHost != "" {
		e.BastionPort = 22
	}
	if e.ServerAliveInterval > 0 && e.ServerAliveCountMax == 0 {
		e.ServerAliveCountMax = 3
	}
	if e.StrictHostKeyChecking == "" {
		e.StrictHostKeyChecking = "yes"
	}
	return e
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String identifies the endpoint in logs and errors. Credentials are never included.
func (e Endpoint) String() string {
	if e.User == "" {
		return "sftp://" + e.Address()
	}
	return "sftp://" + e.User + "@" + e.Address()
}

func (e Endpoint) insecureHostKey() bool {
	return e.InsecureIgnoreHostKey || strings.EqualFold(e.StrictHostKeyChecking, "no")
}

// FileExist selects what StoreFile does when the target already exists.
type FileExist string

const (
	// FileExistOverride truncates and rewrites the target (default).
	FileExistOverride FileExist = "Override"
	// FileExistAppend appends to the target.
	FileExistAppend FileExist = "Append"
	// FileExistFail fails the call without writing.
	FileExistFail FileExist = "Fail"
	// FileExistIgnore skips the write and reports success.
	FileExistIgnore FileExist = "Ignore"
	// FileExistMove renames the existing target out of the way first.
	FileExistMove FileExist = "Move"
)

// ParseFileExist accepts any casing of the FileExist names.
func ParseFileExist(s string) (FileExist, error) {
	for _, fe := range []FileExist{FileExistOverride, FileExistAppend, FileExistFail, FileExistIgnore, FileExistMove} {
		if strings.EqualFold(s, string(fe)) {
			return fe, nil
		}
	}
	return "", fmt.Errorf("invalid file exist policy %q", s)
}

// Options configures how the operations behave on one connection.
type Options struct {
	// Root is the endpoint directory that relative paths of transferred
	// files are computed against.
	Root string `mapstructure:"root"`

	// Reconnect bounds the connect loop.
	Reconnect ReconnectPolicy `mapstructure:"reconnect"`

	// FastExistsCheck lists the target itself instead of scanning its parent.
	// It saves a round trip but can report a directory as an existing file.
	FastExistsCheck bool `mapstructure:"fast_exists_check"`

	// Stepwise changes directory one segment at a time and transfers files by
	// base name from inside their directory.
	Stepwise bool `mapstructure:"stepwise"`

	// LocalWorkDirectory, when set, materializes downloads into this directory.
	LocalWorkDirectory string `mapstructure:"local_work_directory"`

	// FileExist is the upload conflict policy (default Override).
	FileExist FileExist `mapstructure:"file_exist"`

	// MoveExisting is the destination template used with FileExistMove.
	MoveExisting string `mapstructure:"move_existing"`

	// EagerDeleteTargetFile deletes an occupant of the MoveExisting
	// destination instead of failing.
	EagerDeleteTargetFile bool `mapstructure:"eager_delete_target_file"`

	// Chmod is an octal permission string applied after every store.
	Chmod string `mapstructure:"chmod"`

	// AllowNullBody writes a zero-length file for a nil payload instead of failing.
	AllowNullBody bool `mapstructure:"allow_null_body"`

	// StreamDownload hands the remote stream to the caller instead of buffering it.
	StreamDownload bool `mapstructure:"stream_download"`

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger `mapstructure:"-"`
}

// WithDefaults returns a copy of the options with default values applied.
func (o Options) WithDefaults() Options {
	if o.FileExist == "" {
		o.FileExist = FileExistOverride
	} else if fe, err := ParseFileExist(string(o.FileExist)); err == nil {
		o.FileExist = fe
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	o.Reconnect = o.Reconnect.WithDefaults()
	return o
}

// Validate checks option combinations that cannot work.
func (o Options) Validate() error {
	fileExist := FileExistOverride
	if o.FileExist != "" {
		fe, err := ParseFileExist(string(o.FileExist))
		if err != nil {
			return err
		}
		fileExist = fe
	}
	if fileExist == FileExistMove && strings.TrimSpace(o.MoveExisting) == "" {
		return fmt.Errorf("file exist policy Move requires move_existing to be set")
	}
	if err := ValidateMode(o.Chmod); err != nil {
		return err
	}
	if o.LocalWorkDirectory != "" {
		if info, err := os.Stat(o.LocalWorkDirectory); err == nil && !info.IsDir() {
			return fmt.Errorf("local work directory %s is not a directory", o.LocalWorkDirectory)
		}
	}
	return nil
}

// chmodMode parses the validated Chmod string.
func (o Options) chmodMode() (os.FileMode, bool) {
	if o.Chmod == "" {
		return 0, false
	}
	mode, err := strconv.ParseUint(o.Chmod, 8, 32)
	if err != nil {
		return 0, false
	}
	return os.FileMode(mode), true
}

// validModePattern matches valid Unix file permission modes.
var validModePattern = regexp.MustCompile(`^[0-7]{3,4}$`)

// ValidateMode checks if a file mode string is valid.
func ValidateMode(mode string) error {
	if mode == "" {
		return nil
	}
	if !validModePattern.MatchString(mode) {
		return fmt.Errorf("invalid mode %q: must be 3-4 octal digits", mode)
	}
	return nil
}
