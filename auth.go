package sftpops

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

func clientConfig(endpoint Endpoint, user string, auth []ssh.AuthMethod, hostKeyCallback ssh.HostKeyCallback, timeout time.Duration) *ssh.ClientConfig {
	config := &ssh.ClientConfig{
		User:              user,
		Auth:              auth,
		HostKeyCallback:   hostKeyCallback,
		HostKeyAlgorithms: endpoint.HostKeyAlgorithms,
		Timeout:           timeout,
	}
	if len(endpoint.Ciphers) > 0 {
		config.Ciphers = endpoint.Ciphers
	}
	if len(endpoint.KeyExchanges) > 0 {
		config.KeyExchanges = endpoint.KeyExchanges
	}
	if len(endpoint.MACs) > 0 {
		config.MACs = endpoint.MACs
	}
	return config
}

func connectToBastion(ctx context.Context, endpoint Endpoint, hostKeyCallback ssh.HostKeyCallback, timeout time.Duration) (*ssh.Client, error) {
	var authMethods []ssh.AuthMethod

	if endpoint.BastionPassword != "" {
		authMethods = append(authMethods, ssh.Password(endpoint.BastionPassword))
	} else {
		var keyData []byte
		var err error

		switch {
		case endpoint.BastionKey != "":
			keyData = []byte(endpoint.BastionKey)
		case endpoint.BastionKeyPath != "":
			keyData, err = os.ReadFile(ExpandPath(endpoint.BastionKeyPath))
			if err != nil {
				return nil, fmt.Errorf("failed to read bastion key file: %w", err)
			}
		case endpoint.PrivateKey != "":
			keyData = []byte(endpoint.PrivateKey)
		case endpoint.KeyPath != "":
			keyData, err = os.ReadFile(ExpandPath(endpoint.KeyPath))
			if err != nil {
				return nil, fmt.Errorf("failed to read key file for bastion: %w", err)
			}
		default:
			return nil, fmt.Errorf("no SSH key configured for bastion host")
		}

		signer, err := parseSigner(keyData, endpoint.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to parse bastion SSH key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	bastionUser := endpoint.BastionUser
	if bastionUser == "" {
		bastionUser = endpoint.User
	}

	bastionConfig := clientConfig(endpoint, bastionUser, authMethods, hostKeyCallback, timeout)
	bastionAddr := net.JoinHostPort(endpoint.BastionHost, fmt.Sprint(endpoint.BastionPort))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", bastionAddr)
	if err != nil {
		return nil, err
	}
	return handshake(ctx, conn, bastionAddr, bastionConfig, timeout)
}

// buildHostKeyCallback honours StrictHostKeyChecking: with "no" every key is
// accepted, otherwise a known_hosts file must be available.
func buildHostKeyCallback(endpoint Endpoint, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if endpoint.insecureHostKey() {
		logger.Warn("SSH host key verification disabled - this is insecure!",
			slog.String("address", endpoint.Address()))
		return ssh.InsecureIgnoreHostKey(), nil
	}

	if endpoint.KnownHostsFile != "" {
		expandedPath := ExpandPath(endpoint.KnownHostsFile)
		callback, err := knownhosts.New(expandedPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts file %s: %w", expandedPath, err)
		}
		return callback, nil
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		defaultKnownHosts := filepath.Join(homeDir, ".ssh", "known_hosts")
		if _, err := os.Stat(defaultKnownHosts); err == nil {
			callback, err := knownhosts.New(defaultKnownHosts)
			if err == nil {
				return callback, nil
			}
			logger.Warn("could not parse known_hosts file",
				slog.String("path", defaultKnownHosts), slog.String("error", err.Error()))
		}
	}

	return nil, fmt.Errorf("strict host key checking is enabled but no known_hosts file is available for %s", endpoint.Address())
}

// buildAuthMethods returns the auth methods for endpoint. When the agent is
// used, the returned closer must be closed once the handshake is over.
func buildAuthMethods(endpoint Endpoint) ([]ssh.AuthMethod, io.Closer, error) {
	var authMethods []ssh.AuthMethod

	authMethod := endpoint.AuthMethod
	if authMethod == "" {
		authMethod = inferAuthMethod(endpoint)
	}

	switch authMethod {
	case AuthMethodPassword:
		if endpoint.Password == "" {
			return nil, nil, fmt.Errorf("password authentication requires password to be set")
		}
		authMethods = append(authMethods, ssh.Password(endpoint.Password))

	case AuthMethodCertificate:
		certAuth, err := buildCertificateAuth(endpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("certificate authentication failed: %w", err)
		}
		authMethods = append(authMethods, certAuth)

	case AuthMethodAgent:
		agentAuth, conn, err := buildAgentAuth()
		if err != nil {
			return nil, nil, fmt.Errorf("agent authentication failed: %w", err)
		}
		return append(authMethods, agentAuth), conn, nil

	case AuthMethodPrivateKey:
		keyAuth, err := buildPrivateKeyAuth(endpoint)
		if err != nil {
			return nil, nil, err
		}
		authMethods = append(authMethods, keyAuth)
		if endpoint.Password != "" {
			authMethods = append(authMethods, ssh.Password(endpoint.Password))
		}

	default:
		return nil, nil, fmt.Errorf("unknown authentication method %q", authMethod)
	}

	return authMethods, nil, nil
}

func inferAuthMethod(endpoint Endpoint) AuthMethod {
	if endpoint.Certificate != "" || endpoint.CertificatePath != "" {
		return AuthMethodCertificate
	}
	if endpoint.PrivateKey != "" || endpoint.KeyPath != "" {
		return AuthMethodPrivateKey
	}
	if endpoint.Password != "" {
		return AuthMethodPassword
	}
	if os.Getenv("SSH_AUTH_SOCK") != "" {
		return AuthMethodAgent
	}
	return AuthMethodPrivateKey
}

func readPrivateKey(endpoint Endpoint) ([]byte, error) {
	switch {
	case endpoint.PrivateKey != "":
		return []byte(endpoint.PrivateKey), nil
	case endpoint.KeyPath != "":
		keyData, err := os.ReadFile(ExpandPath(endpoint.KeyPath))
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key file: %w", err)
		}
		return keyData, nil
	default:
		return nil, fmt.Errorf("no SSH private key provided (set private_key or key_path)")
	}
}

func parseSigner(keyData []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(keyData)
}

func buildPrivateKeyAuth(endpoint Endpoint) (ssh.AuthMethod, error) {
	keyData, err := readPrivateKey(endpoint)
	if err != nil {
		return nil, err
	}

	signer, err := parseSigner(keyData, endpoint.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
	}

	return ssh.PublicKeys(signer), nil
}

func buildCertificateAuth(endpoint Endpoint) (ssh.AuthMethod, error) {
	keyData, err := readPrivateKey(endpoint)
	if err != nil {
		return nil, fmt.Errorf("certificate auth requires private key: %w", err)
	}

	signer, err := parseSigner(keyData, endpoint.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	var certData []byte
	switch {
	case endpoint.Certificate != "":
		certData = []byte(endpoint.Certificate)
	case endpoint.CertificatePath != "":
		certData, err = os.ReadFile(ExpandPath(endpoint.CertificatePath))
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate file: %w", err)
		}
	default:
		return nil, fmt.Errorf("certificate auth requires certificate")
	}

	pubKey, _, _, _, err := ssh.ParseAuthorizedKey(certData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	cert, ok := pubKey.(*ssh.Certificate)
	if !ok {
		return nil, fmt.Errorf("provided file is not an SSH certificate")
	}

	certSigner, err := ssh.NewCertSigner(cert, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate signer: %w", err)
	}

	return ssh.PublicKeys(certSigner), nil
}

func buildAgentAuth() (ssh.AuthMethod, io.Closer, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, nil, fmt.Errorf("SSH_AUTH_SOCK is not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), conn, nil
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
