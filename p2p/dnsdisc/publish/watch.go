// Copyright 2024 The nodemesh Authors
// This file is part of the nodemesh library.
//
// The nodemesh library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nodemesh library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nodemesh library. If not, see <http://www.gnu.org/licenses/>.

package publish

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay debounces bursts of file events caused by editors.
const reloadDelay = 500 * time.Millisecond

// watchStaticNodes starts watching the static node file. The directory is
// watched because editors replace files on save.
func (s *Service) watchStaticNodes() error {
	path, err := filepath.Abs(s.cfg.StaticNodesFile)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}
	s.wg.Add(1)
	go s.watchLoop(watcher, path)
	return nil
}

// watchLoop reloads the static node file when it changes and republishes the
// tree.
func (s *Service) watchLoop(watcher *fsnotify.Watcher, path string) {
	defer s.wg.Done()
	defer watcher.Close()

	var (
		change   = fsnotify.Create | fsnotify.Write | fsnotify.Rename
		debounce <-chan time.Time
	)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == path && event.Op&change != 0 {
				debounce = time.After(reloadDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("Static node file watcher error", "err", err)
		case <-debounce:
			debounce = nil
			s.reloadStaticNodes(path)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) reloadStaticNodes(path string) {
	nodes, err := loadStaticNodesFile(path)
	if err != nil {
		s.log.Warn("Failed to reload static nodes", "file", path, "err", err)
		return
	}
	s.setStaticNodes(nodes)
	s.log.Info("Reloaded static nodes", "file", path, "count", len(nodes))
	s.Republish()
}
