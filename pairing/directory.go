package pairing

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"lanpair/discovery"
	"lanpair/models"
	"lanpair/storage"
)

const (
	// DefaultPrefix namespaces pairing records inside the item store.
	DefaultPrefix = "pairing-info"
	// DefaultTTL is the pairing code lifetime when none is requested.
	DefaultTTL = 8 * time.Hour
)

var (
	// ErrInvalidCode indicates a pairing code that is not JSON or misses required fields.
	ErrInvalidCode = errors.New("pairing: invalid pairing code")
	// ErrExpiredCode indicates a well formed pairing code whose expiry has passed.
	ErrExpiredCode = errors.New("pairing: pairing code expired")
	// ErrNoAddress is returned when no local address is available for a code.
	ErrNoAddress = discovery.ErrNoAddress
)

// Storage is the persistent string key-value collaborator.
type Storage interface {
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
	ListKeys() ([]string, error)
}

// AddressResolver reports the address peers should use to reach this device.
type AddressResolver interface {
	LocalAddress() (string, error)
}

// Options tunes a Directory.
type Options struct {
	Prefix     string
	DefaultTTL time.Duration
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	out := o
	if out.Prefix == "" {
		out.Prefix = DefaultPrefix
	}
	if out.DefaultTTL <= 0 {
		out.DefaultTTL = DefaultTTL
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Directory creates pairing codes and keeps the persisted pairing records.
type Directory struct {
	storage  Storage
	resolver AddressResolver
	opts     Options

	mu sync.Mutex
}

// NewDirectory builds a Directory on top of storage and resolver.
func NewDirectory(storage Storage, resolver AddressResolver, opts Options) *Directory {
	return &Directory{
		storage:  storage,
		resolver: resolver,
		opts:     opts.withDefaults(),
	}
}

// GenerateCode builds a pairing code for this device. Codes are not persisted.
func (d *Directory) GenerateCode(port int, key string, ttl time.Duration, metadata map[string]any) (string, error) {
	if ttl <= 0 {
		ttl = d.opts.DefaultTTL
	}
	if d.resolver == nil {
		return "", ErrNoAddress
	}

	address, err := d.resolver.LocalAddress()
	if err != nil {
		if errors.Is(err, ErrNoAddress) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrNoAddress, err)
	}
	if address == "" {
		return "", ErrNoAddress
	}

	info := models.PairingInfo{
		Address:   address,
		Port:      port,
		Key:       key,
		ExpiresAt: d.opts.Now().Add(ttl),
		Metadata:  metadata,
	}
	code, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("encode pairing code: %w", err)
	}

	return string(code), nil
}

// rawCode mirrors the pairing code layout with pointers so absent fields are detectable.
type rawCode struct {
	IPAddress *string        `json:"ipAddress"`
	Port      *int           `json:"port"`
	Key       *string        `json:"key"`
	Expiry    *int64         `json:"expiry"`
	ExtraData map[string]any `json:"extraData"`
}

// DecodeCode parses and validates a scanned pairing code. Nothing is persisted.
func (d *Directory) DecodeCode(code string) (models.PairingInfo, error) {
	var raw rawCode
	if err := json.Unmarshal([]byte(strings.TrimSpace(code)), &raw); err != nil {
		return models.PairingInfo{}, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}

	var result *multierror.Error
	if raw.IPAddress == nil || strings.TrimSpace(*raw.IPAddress) == "" {
		result = multierror.Append(result, errors.New("missing ipAddress"))
	}
	if raw.Port == nil {
		result = multierror.Append(result, errors.New("missing port"))
	} else if *raw.Port < 1 || *raw.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("port %d out of range", *raw.Port))
	}
	if raw.Key == nil || *raw.Key == "" {
		result = multierror.Append(result, errors.New("missing key"))
	}
	if raw.Expiry == nil {
		result = multierror.Append(result, errors.New("missing expiry"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return models.PairingInfo{}, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}

	info := models.PairingInfo{
		Address:   strings.TrimSpace(*raw.IPAddress),
		Port:      *raw.Port,
		Key:       *raw.Key,
		ExpiresAt: time.UnixMilli(*raw.Expiry),
		Metadata:  raw.ExtraData,
	}
	if info.ExpiredAt(d.opts.Now()) {
		return models.PairingInfo{}, fmt.Errorf("%w: expired at %s", ErrExpiredCode, info.ExpiresAt.UTC().Format(time.RFC3339))
	}

	return info, nil
}

// Save persists info, replacing any record for the same address and port.
//
// Records are stored in pairing code form, so a later Lookup returns info
// with ExpiresAt at millisecond precision and Metadata as decoded JSON
// (numbers come back as float64). Codes carry nothing finer.
func (d *Directory) Save(info models.PairingInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("encode pairing record: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.storage.SetItem(d.storageKey(info.Address, info.Port), string(raw)); err != nil {
		return fmt.Errorf("save pairing record %s: %w", info.Endpoint(), err)
	}

	log.WithFields(log.Fields{
		"peer":    info.Endpoint(),
		"expires": info.ExpiresAt,
	}).Debug("Saved pairing record")
	return nil
}

// Lookup returns the usable pairing for address and port, or nil if none exists.
// An expired record is removed and reported as absent.
func (d *Directory) Lookup(address string, port int) (*models.PairingInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := d.storageKey(address, port)
	raw, ok, err := d.storage.GetItem(key)
	if err != nil {
		return nil, fmt.Errorf("load pairing record %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}

	info, err := decodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("decode pairing record %s: %w", key, err)
	}
	if info.ExpiredAt(d.opts.Now()) {
		if err := d.storage.RemoveItem(key); err != nil {
			return nil, fmt.Errorf("evict expired pairing record %s: %w", key, err)
		}
		log.WithField("peer", info.Endpoint()).Info("Evicted expired pairing record")
		return nil, nil
	}

	return &info, nil
}

// ListAll returns every unexpired pairing, evicting expired ones on the way.
// Records that cannot be decoded are skipped.
func (d *Directory) ListAll() ([]models.PairingInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys, err := d.ownKeys()
	if err != nil {
		return nil, err
	}

	now := d.opts.Now()
	out := make([]models.PairingInfo, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := d.storage.GetItem(key)
		if err != nil {
			return nil, fmt.Errorf("load pairing record %s: %w", key, err)
		}
		if !ok {
			continue
		}

		info, err := decodeRecord(raw)
		if err != nil {
			log.WithError(err).WithField("key", key).Warn("Skipping corrupt pairing record")
			continue
		}
		if info.ExpiredAt(now) {
			if err := d.storage.RemoveItem(key); err != nil {
				return nil, fmt.Errorf("evict expired pairing record %s: %w", key, err)
			}
			continue
		}
		out = append(out, info)
	}

	return out, nil
}

// RemoveExpired sweeps the directory and returns how many records were evicted.
// Corrupt records count as evicted.
func (d *Directory) RemoveExpired() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys, err := d.ownKeys()
	if err != nil {
		return 0, err
	}

	now := d.opts.Now()
	removed := 0
	for _, key := range keys {
		raw, ok, err := d.storage.GetItem(key)
		if err != nil {
			return removed, fmt.Errorf("load pairing record %s: %w", key, err)
		}
		if !ok {
			continue
		}

		info, decodeErr := decodeRecord(raw)
		if decodeErr == nil && !info.ExpiredAt(now) {
			continue
		}
		if err := d.storage.RemoveItem(key); err != nil {
			return removed, fmt.Errorf("evict pairing record %s: %w", key, err)
		}
		if decodeErr != nil {
			log.WithError(decodeErr).WithField("key", key).Warn("Evicted corrupt pairing record")
		}
		removed++
	}

	if removed > 0 {
		log.WithField("count", removed).Info("Removed expired pairing records")
	}
	return removed, nil
}

// Remove deletes the pairing for address and port. Absent records are not an error.
func (d *Directory) Remove(address string, port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := d.storageKey(address, port)
	if err := d.storage.RemoveItem(key); err != nil {
		return fmt.Errorf("remove pairing record %s: %w", key, err)
	}
	return nil
}

// Devices projects every unexpired pairing into a Device.
func (d *Directory) Devices() ([]models.Device, error) {
	infos, err := d.ListAll()
	if err != nil {
		return nil, err
	}

	devices := make([]models.Device, 0, len(infos))
	for _, info := range infos {
		devices = append(devices, models.DeviceFromPairing(info))
	}
	return devices, nil
}

// ParseDeviceID splits an "address:port" device id.
func ParseDeviceID(id string) (string, int, error) {
	host, portText, err := net.SplitHostPort(strings.TrimSpace(id))
	if err != nil {
		return "", 0, fmt.Errorf("parse device id %q: %w", id, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("parse device id %q: empty address", id)
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("parse device id %q: invalid port %q", id, portText)
	}
	return host, port, nil
}

func (d *Directory) storageKey(address string, port int) string {
	return d.opts.Prefix + ":" + address + ":" + strconv.Itoa(port)
}

func (d *Directory) ownKeys() ([]string, error) {
	prefix := d.opts.Prefix + ":"
	if lister, ok := d.storage.(storage.PrefixLister); ok {
		keys, err := lister.ListKeysWithPrefix(prefix)
		if err != nil {
			return nil, fmt.Errorf("list pairing records: %w", err)
		}
		return keys, nil
	}

	keys, err := d.storage.ListKeys()
	if err != nil {
		return nil, fmt.Errorf("list pairing records: %w", err)
	}

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

func decodeRecord(raw string) (models.PairingInfo, error) {
	var info models.PairingInfo
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return models.PairingInfo{}, err
	}
	if info.Address == "" || info.Port == 0 || info.Key == "" {
		return models.PairingInfo{}, errors.New("incomplete pairing record")
	}
	return info, nil
}
