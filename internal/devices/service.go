package devices

import (
	"crypto/md5"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/bilbercode/hsec-client/internal/hub"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const fileSuffix = ".cam"

var ErrUnknownCamera = errors.New("camera not in catalog")

// Catalog is a local cache of the cameras paired with the hub, one gob file
// per camera.
type Catalog struct {
	sync.Mutex
	databaseFolder string

	subscribers map[string]func(event *Event)
}

func NewCatalog(databaseFolder string) (*Catalog, error) {
	if err := os.MkdirAll(databaseFolder, 0700); err != nil {
		return nil, fmt.Errorf("failed to create catalog folder: %w", err)
	}
	return &Catalog{
		databaseFolder: databaseFolder,
		subscribers:    make(map[string]func(*Event)),
	}, nil
}

// Subscribe registers f for catalog changes and returns its deregister func.
func (c *Catalog) Subscribe(f func(*Event)) func() {
	id := uuid.NewString()
	c.Lock()
	defer c.Unlock()
	c.subscribers[id] = f
	return func() {
		c.Lock()
		defer c.Unlock()
		delete(c.subscribers, id)
	}
}

// Sync replaces the catalog with cameras, the hub's current list, and reports
// how many cameras were added and removed since the last sync.
func (c *Catalog) Sync(cameras []hub.Camera) (added, removed int, err error) {
	c.Lock()
	defer c.Unlock()

	existing, err := c.list()
	if err != nil {
		return 0, 0, err
	}
	known := make(map[string]*hub.Camera, len(existing))
	for _, cam := range existing {
		known[cam.MAC] = cam
	}

	var changes []*Event
	for i := range cameras {
		cam := cameras[i]
		if err := c.write(&cam); err != nil {
			return added, removed, err
		}
		if _, ok := known[cam.MAC]; ok {
			delete(known, cam.MAC)
			continue
		}
		added++
		changes = append(changes, &Event{Type: EventTypeCameraAdded, Camera: &cam})
	}

	for mac, cam := range known {
		if err := os.Remove(c.filename(mac)); err != nil && !os.IsNotExist(err) {
			return added, removed, fmt.Errorf("failed to remove catalog entry %s: %w", mac, err)
		}
		removed++
		changes = append(changes, &Event{Type: EventTypeCameraRemoved, Camera: cam})
	}

	for _, ev := range changes {
		log.WithFields(log.Fields{"mac": ev.Camera.MAC, "name": ev.Camera.Name}).Infof("camera %s", ev.Type)
		for _, h := range c.subscribers {
			h(ev)
		}
	}
	return added, removed, nil
}

func (c *Catalog) Get(mac string) (*hub.Camera, error) {
	c.Lock()
	defer c.Unlock()

	file, err := os.Open(c.filename(mac))
	if os.IsNotExist(err) {
		return nil, ErrUnknownCamera
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open camera file %s: %w", mac, err)
	}

	var cam hub.Camera
	err = gob.NewDecoder(file).Decode(&cam)
	_ = file.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to decode catalog entry: %w", err)
	}
	return &cam, nil
}

// Name returns the stored name of mac, falling back to its short id.
func (c *Catalog) Name(mac string) string {
	cam, err := c.Get(mac)
	if err != nil || cam.Name == "" {
		return hub.Camera{MAC: mac}.ID()
	}
	return cam.Name
}

// List returns the catalog sorted by camera name.
func (c *Catalog) List() ([]*hub.Camera, error) {
	c.Lock()
	defer c.Unlock()
	cams, err := c.list()
	if err != nil {
		return nil, err
	}
	sort.Slice(cams, func(i, j int) bool { return cams[i].Name < cams[j].Name })
	return cams, nil
}

func (c *Catalog) filename(mac string) string {
	hash := md5.New()
	hash.Write([]byte(strings.ToLower(mac)))
	return path.Join(c.databaseFolder, hex.EncodeToString(hash.Sum(nil))+fileSuffix)
}

func (c *Catalog) write(cam *hub.Camera) error {
	file, err := os.OpenFile(c.filename(cam.MAC), os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open catalog file for writing: %w", err)
	}
	err = gob.NewEncoder(file).Encode(cam)
	_ = file.Close()
	if err != nil {
		return fmt.Errorf("failed to write camera %s to catalog: %w", cam.MAC, err)
	}
	return nil
}

func (c *Catalog) list() ([]*hub.Camera, error) {
	dir, err := os.ReadDir(c.databaseFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog directory content: %w", err)
	}

	var cameras []*hub.Camera
	for _, entry := range dir {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		file, err := os.Open(path.Join(c.databaseFolder, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read entry %s; %w", entry.Name(), err)
		}
		var cam hub.Camera
		err = gob.NewDecoder(file).Decode(&cam)
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal catalog entry %s: %w", entry.Name(), err)
		}
		cameras = append(cameras, &cam)
	}
	return cameras, nil
}
