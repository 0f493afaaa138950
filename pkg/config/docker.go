package config

import (
	"os"
	"sync"
)

// DockerHostEnv overrides the alias used to reach the host from a container.
const DockerHostEnv = "DOCKER_HOST_ALIAS"

const defaultDockerHost = "host.docker.internal"

var (
	isDockerOnce   sync.Once
	isDockerResult bool
)

// IsRunningInDocker reports whether /.dockerenv exists. The result is cached.
func IsRunningInDocker() bool {
	isDockerOnce.Do(func() {
		_, err := os.Stat("/.dockerenv")
		isDockerResult = err == nil
	})
	return isDockerResult
}

// ResolveHostForDocker rewrites loopback database hosts to the Docker host
// alias when running in a container, so that a local target database is
// reachable. Other hosts are returned unchanged.
func ResolveHostForDocker(host string) string {
	if !IsRunningInDocker() {
		return host
	}
	return resolveLoopback(host, dockerHostAlias())
}

func dockerHostAlias() string {
	if alias := os.Getenv(DockerHostEnv); alias != "" {
		return alias
	}
	return defaultDockerHost
}

func resolveLoopback(host, alias string) string {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return alias
	}
	return host
}
