// Package server exposes the serving path: given a user image and a set
// of model/latent pairs, it reports per-patch SAE activations and the
// precomputed top-activating example images for each latent.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/marcwilly/SAE-V/config"
	"github.com/marcwilly/SAE-V/dataset"
	"github.com/marcwilly/SAE-V/imaging"
	"github.com/marcwilly/SAE-V/nn"
	"github.com/marcwilly/SAE-V/topk"
)

// Example is one top-activating image for a latent, rendered both plain
// and with its activation heatmap. Constructed on demand, never
// persisted.
type Example struct {
	OrigURL        string `json:"orig_url"`
	HighlightedURL string `json:"highlighted_url"`
	Label          string `json:"label"`
	ExampleID      string `json:"example_id"`
}

// SAEActivation reports how strongly one latent fires on each patch of
// the input image, plus its top dataset examples.
type SAEActivation struct {
	ModelName   string    `json:"model_name"`
	Latent      int       `json:"latent"`
	Activations []float64 `json:"activations"`
	Examples    []Example `json:"examples"`
}

type GetImageRequest struct {
	ExampleID string `json:"example_id"`
}

type ActivationsRequest struct {
	Image   string           `json:"image"`
	Latents map[string][]int `json:"latents"`
}

// Server holds the registry and the process-lifetime caches of loaded
// models and tensors.
type Server struct {
	registry config.Registry

	vits     *lazyCache[*nn.SplitViT]
	saes     *lazyCache[*nn.SparseAutoencoder]
	tables   *lazyCache[*topk.Table]
	datasets *lazyCache[*dataset.ImageFolder]
}

func New(registry config.Registry) *Server {
	return &Server{
		registry: registry,
		vits:     newLazyCache[*nn.SplitViT](),
		saes:     newLazyCache[*nn.SparseAutoencoder](),
		tables:   newLazyCache[*topk.Table](),
		datasets: newLazyCache[*dataset.ImageFolder](),
	}
}

// Routes builds the gin engine.
func (s *Server) Routes() *gin.Engine {
	r := gin.Default()
	r.POST("/api/get-image", s.handleGetImage)
	r.POST("/api/get-sae-activations", s.handleGetActivations)
	return r
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	log.Infof("Serving on %s", addr)
	return s.Routes().Run(addr)
}

func (s *Server) vit(key string, m config.Model) (*nn.SplitViT, error) {
	return s.vits.get(key, func() (*nn.SplitViT, error) {
		v, err := nn.LoadViT(m.VitCkpt)
		if err == nil {
			log.Infof("Loaded split ViT: %s", key)
		}
		return v, err
	})
}

func (s *Server) sae(key string, m config.Model) (*nn.SparseAutoencoder, error) {
	return s.saes.get(key, func() (*nn.SparseAutoencoder, error) {
		sae, err := nn.LoadSAE(m.SaeCkpt)
		if err == nil {
			log.Infof("Loaded SAE: %s -> %s", key, m.SaeCkpt)
		}
		return sae, err
	})
}

func (s *Server) table(key string, m config.Model) (*topk.Table, error) {
	return s.tables.get(key, func() (*topk.Table, error) {
		t, err := topk.Load(m.TensorDir)
		if err == nil {
			log.Infof("Loaded top-%d table: %s", t.K, key)
		}
		return t, err
	})
}

func (s *Server) dataset(m config.Model) (*dataset.ImageFolder, error) {
	return s.datasets.get(m.DatasetRoot, func() (*dataset.ImageFolder, error) {
		return dataset.Open(m.DatasetRoot)
	})
}

// datasetByName resolves a dataset name from the example-ID namespace to
// a registry entry carrying its root.
func (s *Server) datasetByName(name string) (*dataset.ImageFolder, error) {
	for _, m := range s.registry {
		if m.DatasetName == name {
			return s.dataset(m)
		}
	}
	return nil, fmt.Errorf("unknown dataset %q", name)
}

func (s *Server) handleGetImage(c *gin.Context) {
	var req GetImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	sep := strings.LastIndex(req.ExampleID, "__")
	if sep < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("malformed example id %q", req.ExampleID)})
		return
	}
	name := req.ExampleID[:sep]
	i, err := strconv.Atoi(req.ExampleID[sep+2:])
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("malformed example id %q", req.ExampleID)})
		return
	}

	ds, err := s.datasetByName(name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	img, err := ds.Image(i)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	uri, err := imaging.DataURI(imaging.ToSized(img))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"image": uri, "label": ds.Label(i)})
}

func (s *Server) handleGetActivations(c *gin.Context) {
	var req ActivationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	img, err := imaging.DecodeDataURI(req.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	pixels := imaging.Pack(imaging.ToSized(img))

	resp, err := s.activations(pixels, req.Latents)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, errBadRequest) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}
