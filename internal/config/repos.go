package config

import (
	"fmt"
	"net/url"
)

// RepoConfig names a repository to watch and the view query to watch it with
type RepoConfig struct {
	Name  string            `yaml:"name"`
	Query map[string]string `yaml:"query"`
}

// Values returns the query as url parameters
func (r RepoConfig) Values() url.Values {
	v := url.Values{}
	for k, val := range r.Query {
		v.Set(k, val)
	}
	return v
}

// RepoNames returns the configured repository names in file order
func (c *Config) RepoNames() []string {
	names := make([]string, len(c.Repos))
	for i, r := range c.Repos {
		names[i] = r.Name
	}
	return names
}

func validateRepos(repos []RepoConfig) error {
	if len(repos) == 0 {
		return fmt.Errorf("at least one repository is required")
	}
	seen := make(map[string]bool, len(repos))
	for i, r := range repos {
		if r.Name == "" {
			return fmt.Errorf("repository at index %d missing name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("repository %s listed twice", r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}
