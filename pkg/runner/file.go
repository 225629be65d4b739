package runner

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ormasoftchile/flightdeck/pkg/ledger"
	"github.com/ormasoftchile/flightdeck/pkg/schema"
	"github.com/ormasoftchile/flightdeck/pkg/status"
	"github.com/ormasoftchile/flightdeck/pkg/vars"
)

// runFile materializes a file from the command's template. A local template
// is rendered and pushed to the server; a remote one is pulled from the
// server into the local files directory. The command's conflict policy
// decides what happens when the target already exists.
func (r *Runner) runFile(server *schema.Server, cmd *schema.Command, log *ledger.CommandLog, varCtx *vars.Context) {
	tmpl, ok := r.Lookup.FileTemplateByRef(cmd.FileTemplateRef)
	if !ok {
		log.Finish(status.FileCreationFailed, "",
			fmt.Sprintf("File template %q not found", cmd.FileTemplateRef))
		return
	}

	fileName, err := varCtx.Render(tmpl.FileName)
	if err != nil || fileName == "" {
		log.Finish(status.FileCreationFailed, "", fmt.Sprintf("render file name: %v", err))
		return
	}
	serverDir := log.Path
	if serverDir == "" {
		var dirErr error
		serverDir, dirErr = varCtx.Render(tmpl.ServerDir)
		if dirErr != nil {
			log.Finish(status.FileCreationFailed, "", fmt.Sprintf("render server dir: %v", dirErr))
			return
		}
	}
	remotePath := filepath.ToSlash(filepath.Join(serverDir, fileName))

	policy := cmd.IfFileExists
	if policy == "" {
		policy = schema.FileSkip
	}

	switch tmpl.Source {
	case schema.SourceRemote:
		r.pullFile(server, log, remotePath, fileName, policy)
	default:
		r.pushFile(server, tmpl, log, varCtx, remotePath, policy)
	}
}

// pushFile renders the template body and uploads it to the server.
func (r *Runner) pushFile(server *schema.Server, tmpl *schema.FileTemplate, log *ledger.CommandLog, varCtx *vars.Context, remotePath, policy string) {
	body, err := varCtx.Render(tmpl.Code)
	if err != nil {
		log.Finish(status.FileCreationFailed, "", fmt.Sprintf("render template: %v", err))
		return
	}

	session, err := r.Dial(r.sshOptions(server))
	if err != nil {
		log.Finish(status.SSHConnectionError, "", err.Error())
		return
	}

	if policy != schema.FileOverwrite {
		exists, err := session.Exists(remotePath)
		if err != nil {
			log.Finish(status.FileUploadFailed, "", fmt.Sprintf("check remote file: %v", err))
			return
		}
		if exists {
			if policy == schema.FileRaise {
				log.Finish(status.FileCreationFailed, "", "File already exists")
				return
			}
			log.Finish(status.Success, "File already exists on server. Upload skipped", "")
			return
		}
	}

	if err := session.Upload([]byte(body), remotePath); err != nil {
		log.Finish(status.FileUploadFailed, "", fmt.Sprintf("upload %s: %v", remotePath, err))
		return
	}
	log.Finish(status.Success, "File created and uploaded successfully", "")
}

// pullFile downloads a remote file into the local files directory.
func (r *Runner) pullFile(server *schema.Server, log *ledger.CommandLog, remotePath, fileName, policy string) {
	localDir := r.FilesDir
	if localDir == "" {
		localDir = "files"
	}
	localPath := filepath.Join(localDir, server.Reference, fileName)

	if policy != schema.FileOverwrite {
		if _, err := os.Stat(localPath); err == nil {
			if policy == schema.FileRaise {
				log.Finish(status.FileCreationFailed, "", "File already exists")
				return
			}
			log.Finish(status.Success, "File already exists. Download skipped", "")
			return
		}
	}

	session, err := r.Dial(r.sshOptions(server))
	if err != nil {
		log.Finish(status.SSHConnectionError, "", err.Error())
		return
	}

	data, err := session.Download(remotePath)
	if err != nil {
		log.Finish(status.FileDownloadFailed, "", fmt.Sprintf("download %s: %v", remotePath, err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		log.Finish(status.FileCreationFailed, "", fmt.Sprintf("create local dir: %v", err))
		return
	}
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		log.Finish(status.FileCreationFailed, "", fmt.Sprintf("write %s: %v", localPath, err))
		return
	}
	log.Finish(status.Success, "File downloaded successfully", "")
}
