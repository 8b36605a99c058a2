package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"gopkg.in/yaml.v3"

	"mnrestd/internal/api"
	"mnrestd/internal/runtime/commands"
	"mnrestd/internal/topology"
)

const maxBodyBytes = 1 << 20

// dispatchAs sends cmd through the dispatcher and asserts the response type.
func dispatchAs[T any](ctx context.Context, d *commands.Dispatcher, cmd commands.Command) (T, error) {
	var zero T
	resp, err := d.Dispatch(ctx, cmd)
	if err != nil {
		return zero, err
	}
	out, ok := resp.(T)
	if !ok {
		return zero, fmt.Errorf("server: unexpected response %T for %s", resp, cmd.Name())
	}
	return out, nil
}

// bindBody decodes a JSON (default) or YAML request body into dst. Unknown
// fields are rejected.
func bindBody(c *gin.Context, dst any) error {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		return invalidRequest("failed to read request body: %v", err)
	}
	if len(data) > maxBodyBytes {
		return invalidRequest("request body exceeds %d bytes", maxBodyBytes)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return invalidRequest("request body is required")
	}

	switch ct := c.ContentType(); ct {
	case "application/x-yaml", "application/yaml", "text/yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(dst); err != nil {
			return invalidRequest("invalid YAML body: %v", err)
		}
	case "", "application/json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(dst); err != nil {
			return invalidRequest("invalid JSON body: %v", err)
		}
		if _, err := dec.Token(); !errors.Is(err, io.EOF) {
			return invalidRequest("invalid JSON body: trailing data")
		}
	default:
		return invalidRequest("unsupported content type %q", ct)
	}
	return nil
}

func (s *Service) handleListNodes(c *gin.Context) {
	out, err := dispatchAs[topology.ListNodesResponse](c.Request.Context(), s.dispatcher, topology.ListNodesCommand{})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.NodeListResponse{Nodes: api.FromNodes(out.Nodes)})
}

func (s *Service) handleGetNode(c *gin.Context) {
	out, err := dispatchAs[topology.GetNodeResponse](c.Request.Context(), s.dispatcher, topology.GetNodeCommand{NodeName: c.Param("name")})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.NodeResponse{Node: api.FromNode(out.Node)})
}

func (s *Service) handleCreateNode(c *gin.Context) {
	var req api.CreateNodeRequest
	if err := bindBody(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	spec, err := req.ToNodeSpec()
	if err != nil {
		s.writeError(c, err)
		return
	}
	out, err := dispatchAs[topology.CreateNodeResponse](c.Request.Context(), s.dispatcher, topology.CreateNodeCommand{Spec: spec})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, api.NodeResponse{Node: api.FromNode(out.Node)})
}

func (s *Service) handleRemoveNode(c *gin.Context) {
	name := c.Param("name")
	if _, err := s.dispatcher.Dispatch(c.Request.Context(), topology.RemoveNodeCommand{NodeName: name}); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.RemovedResponse{Removed: name})
}

func (s *Service) handleListLinks(c *gin.Context) {
	out, err := dispatchAs[topology.ListLinksResponse](c.Request.Context(), s.dispatcher, topology.ListLinksCommand{})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.LinkListResponse{Links: api.FromLinks(out.Links)})
}

func (s *Service) handleCreateLink(c *gin.Context) {
	var req api.CreateLinkRequest
	if err := bindBody(c, &req); err != nil {
		s.writeError(c, err)
		return
	}
	out, err := dispatchAs[topology.CreateLinkResponse](c.Request.Context(), s.dispatcher, topology.CreateLinkCommand{Spec: req.ToLinkSpec()})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, api.LinkResponse{Link: api.FromLink(out.Link)})
}

func (s *Service) handleRemoveLink(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.dispatcher.Dispatch(c.Request.Context(), topology.RemoveLinkCommand{ID: id}); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.RemovedResponse{Removed: id})
}

func (s *Service) handleTopology(c *gin.Context) {
	out, err := dispatchAs[topology.SnapshotResponse](c.Request.Context(), s.dispatcher, topology.SnapshotCommand{})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, api.TopologyResponse{
		Nodes: api.FromNodes(out.Topology.Nodes),
		Links: api.FromLinks(out.Topology.Links),
	})
}

func (s *Service) handleHealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": s.health.Overall().String()})
}

func (s *Service) handleHealthReady(c *gin.Context) {
	snapshot := s.health.Snapshot()
	components := make([]api.HealthComponent, 0, len(snapshot))
	for _, comp := range snapshot {
		components = append(components, api.HealthComponent{
			Name:      comp.Name,
			Level:     comp.Level.String(),
			Message:   comp.Message,
			UpdatedAt: comp.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, api.ReadinessResponse{
		Ready:      s.health.Ready(healthHTTP, healthEmulator),
		Status:     s.health.Overall().String(),
		Components: components,
	})
}

func (s *Service) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, api.VersionResponse{Version: s.version, ServiceID: s.id})
}
