package main

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/ensemble/internal/graph"
	"github.com/ShayCichocki/ensemble/internal/submission"
	"github.com/ShayCichocki/ensemble/pkg/models"
)

// loadCatalog reads the catalog named by --catalog.
func loadCatalog(path string) (*models.Catalog, error) {
	if path == "" {
		return nil, invalidInput(errors.New("--catalog is required"))
	}
	cat, err := submission.LoadCatalog(path)
	if err != nil {
		return nil, invalidInput(err)
	}
	return cat, nil
}

// loadTasks reads a task submission.
func loadTasks(path string) ([]models.TaskSpec, error) {
	specs, err := submission.LoadTasks(path)
	if err != nil {
		return nil, invalidInput(err)
	}
	return specs, nil
}

// buildGraph builds the task graph, tracing with debugf when non-nil.
func buildGraph(specs []models.TaskSpec, debugf func(format string, args ...interface{})) (*graph.TaskGraph, error) {
	var opts []graph.Option
	if debugf != nil {
		opts = append(opts, graph.WithDebugLog(debugf))
	}
	g, err := graph.Build(specs, opts...)
	if err != nil {
		return nil, fmt.Errorf("build task graph: %w", err)
	}
	return g, nil
}
