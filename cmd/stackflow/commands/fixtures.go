package commands

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stackflow/stackflow/pkg/provider"
	"github.com/stackflow/stackflow/pkg/provider/mock"
)

// fixtures seed the in-memory provider:
//
//	settle_after: 2
//	clusters:
//	  - id: cluster-1
//	    account_id: acc-1
//	    instances: 3
//	    runtime_version: 7.2.16
//	databases:
//	  db-1: stopped
type fixtures struct {
	SettleAfter *int              `yaml:"settle_after"`
	Clusters    []clusterFixture  `yaml:"clusters"`
	Databases   map[string]string `yaml:"databases"`
}

type clusterFixture struct {
	ID             string `yaml:"id"`
	AccountID      string `yaml:"account_id"`
	Instances      int    `yaml:"instances"`
	RuntimeVersion string `yaml:"runtime_version"`
}

func loadFixtures(path string) (*mock.Provider, error) {
	if path == "" {
		return mock.New(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	var f fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures %s: %w", path, err)
	}

	var opts []mock.Option
	if f.SettleAfter != nil {
		opts = append(opts, mock.WithSettleAfter(*f.SettleAfter))
	}
	p := mock.New(opts...)
	for _, c := range f.Clusters {
		if c.ID == "" {
			return nil, fmt.Errorf("fixture cluster without id in %s", path)
		}
		p.AddCluster(provider.Cluster{
			ID:             c.ID,
			AccountID:      c.AccountID,
			Instances:      c.Instances,
			RuntimeVersion: c.RuntimeVersion,
		})
	}
	for id, status := range f.Databases {
		p.AddDatabase(id, status)
	}
	return p, nil
}
