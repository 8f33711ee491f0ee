package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/riker-rs/riker-cqrs/ports/kv"
)

// KvConfig configures a JetStream-backed key/value store.
type KvConfig struct {
	Connect  Connector
	Bucket   string
	MaxBytes int64
}

// KvStore implements kv.Store on a JetStream key/value bucket. Keys are
// mangled to the JetStream key alphabet, so callers may use "/" separators.
type KvStore struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
}

var _ kv.Store = (*KvStore)(nil)

func NewKvStore(cfg KvConfig) (*KvStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 16 * 1024 * 1024
	}

	jkv, err := js.CreateOrUpdateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket:   cfg.Bucket,
		Storage:  jetstream.FileStorage,
		MaxBytes: maxBytes,
	})
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	return &KvStore{kv: jkv, closeNc: closeNatsCon}, nil
}

func (k *KvStore) Close() error {
	k.closeNc()
	return nil
}

func (k *KvStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := k.kv.Put(ctx, mangleKey(key), data)
	return err
}

func (k *KvStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := k.kv.Get(ctx, mangleKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return v.Value(), nil
}

func (k *KvStore) Delete(ctx context.Context, key string) error {
	err := k.kv.Delete(ctx, mangleKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return kv.ErrNotFound
	}
	return err
}

// mangleKey maps path-style keys onto the JetStream key alphabet.
func mangleKey(key string) string {
	out := []byte(key)
	for i, c := range out {
		if c == '/' {
			out[i] = '.'
		}
	}
	return string(out)
}
