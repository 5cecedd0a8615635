package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"pvgateway/pkg/channel"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	channelsBucket    = "channels"
	descriptorsBucket = "descriptors"
)

var ErrNotFound = errors.New("not found")

// ChannelConfig is the persisted definition of a gateway channel.
type ChannelConfig struct {
	Name    string       `yaml:"name" json:"Name"`
	Address string       `yaml:"address" json:"Address"`
	Kind    channel.Kind `yaml:"kind" json:"Kind"`
	Choices []string     `yaml:"choices,omitempty" json:"Choices,omitempty"`
}

func (c ChannelConfig) validate() error {
	if c.Name == "" {
		return errors.New("channel name cannot be empty")
	}
	if c.Address == "" {
		return fmt.Errorf("channel %s: address cannot be empty", c.Name)
	}
	if c.Kind == channel.KindEnum && len(c.Choices) == 0 {
		return fmt.Errorf("channel %s: enum channels need choices", c.Name)
	}
	return nil
}

// Store keeps the channel registry and the last known descriptor of every
// channel.
type Store struct {
	db *bolt.DB
}

// NewStore creates the buckets and seeds the registry with defaults when it
// is empty.
func NewStore(db *bolt.DB, defaults []ChannelConfig) (*Store, error) {
	st := Store{db: db}

	err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{channelsBucket, descriptorsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := st.setDefaults(defaults); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) setDefaults(defaults []ChannelConfig) error {
	existing, err := s.Channels()
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	for _, cfg := range defaults {
		log.Infof("Adding default channel %s", cfg.Name)
		if err := s.PutChannel(cfg); err != nil {
			return err
		}
	}
	return nil
}

// PutChannel saves the channel definition as a json string in the database.
func (s *Store) PutChannel(cfg ChannelConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		value, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(channelsBucket)).Put([]byte(cfg.Name), value)
	})
}

// GetChannel retrieves a channel definition from the database.
func (s *Store) GetChannel(name string) (ChannelConfig, error) {
	var cfg ChannelConfig

	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(channelsBucket)).Get([]byte(name))
		if value == nil {
			return fmt.Errorf("channel %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}

// DeleteChannel removes a channel and its cached descriptor.
func (s *Store) DeleteChannel(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(channelsBucket))
		if b.Get([]byte(name)) == nil {
			return fmt.Errorf("channel %s: %w", name, ErrNotFound)
		}
		if err := b.Delete([]byte(name)); err != nil {
			return err
		}
		return tx.Bucket([]byte(descriptorsBucket)).Delete([]byte(name))
	})
}

// Channels returns every channel definition ordered by name.
func (s *Store) Channels() ([]ChannelConfig, error) {
	var cfgs []ChannelConfig

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(channelsBucket)).ForEach(func(k, v []byte) error {
			var cfg ChannelConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return fmt.Errorf("channel %s: %v", k, err)
			}
			cfgs = append(cfgs, cfg)
			return nil
		})
	})

	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].Name < cfgs[j].Name })
	return cfgs, err
}

func (s *Store) PutDescriptor(name string, d channel.Descriptor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		value, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(descriptorsBucket)).Put([]byte(name), value)
	})
}

// GetDescriptor returns the last descriptor cached for a channel.
func (s *Store) GetDescriptor(name string) (channel.Descriptor, error) {
	var d channel.Descriptor

	err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket([]byte(descriptorsBucket)).Get([]byte(name))
		if value == nil {
			return fmt.Errorf("descriptor of %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(value, &d)
	})

	return d, err
}
