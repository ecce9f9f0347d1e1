package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/jsonc"

	"github.com/hyper-ai-inc/devspace/internal/fs"
)

var ErrNoRunnableConfiguration = errors.New("no runnable configuration found")

// Launch is a command line chosen for a workspace.
type Launch struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

// Detect inspects a workspace and picks how to run it, in order: an npm dev
// script, an npm start script, main.py or app.py, server.js or index.js,
// main.go, and finally a static server for index.html.
func Detect(ws *fs.Workspace) (Launch, error) {
	if data, err := ws.Read("package.json"); err == nil {
		var pkg packageJSON
		// package.json files in the wild carry comments and trailing commas.
		if err := json.Unmarshal(jsonc.ToJSON(data), &pkg); err != nil {
			return Launch{}, fmt.Errorf("parse package.json: %w", err)
		}
		if pkg.Scripts["dev"] != "" {
			return Launch{Command: "npm", Args: []string{"run", "dev"}}, nil
		}
		if pkg.Scripts["start"] != "" {
			return Launch{Command: "npm", Args: []string{"start"}}, nil
		}
	} else if !errors.Is(err, fs.ErrNotFound) {
		return Launch{}, err
	}

	candidates := []struct {
		file   string
		launch Launch
	}{
		{"main.py", Launch{Command: "python3", Args: []string{"main.py"}}},
		{"app.py", Launch{Command: "python3", Args: []string{"app.py"}}},
		{"server.js", Launch{Command: "node", Args: []string{"server.js"}}},
		{"index.js", Launch{Command: "node", Args: []string{"index.js"}}},
		{"main.go", Launch{Command: "go", Args: []string{"run", "."}}},
		{"index.html", Launch{Command: "sh", Args: []string{"-c", `exec python3 -m http.server "$PORT" --bind 127.0.0.1`}}},
	}
	for _, c := range candidates {
		ok, err := ws.Exists(c.file)
		if err != nil {
			return Launch{}, err
		}
		if ok {
			return c.launch, nil
		}
	}
	return Launch{}, ErrNoRunnableConfiguration
}

// StartDevServer detects how to run the project and starts it.
func (m *Manager) StartDevServer(ctx context.Context, projectID string) (Record, error) {
	root, err := m.root(projectID)
	if err != nil {
		return Record{}, err
	}
	ws, err := fs.NewWorkspace(root)
	if err != nil {
		return Record{}, err
	}
	launch, err := Detect(ws)
	if err != nil {
		return Record{}, err
	}
	m.log.WithField("project", projectID).WithField("command", launch.Command).Debug("detected dev server")
	return m.Start(ctx, projectID, launch.Command, launch.Args, nil)
}
