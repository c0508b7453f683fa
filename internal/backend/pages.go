// ABOUTME: Browser-facing HTML result pages for decision links
// ABOUTME: Status card with auto-close countdown and optional IDE redirect

package backend

import (
	"html/template"
	"net/http"
	"strings"
)

// actionPage is the canned success copy for one decision action.
type actionPage struct {
	Title   string
	Message string
}

// actionPages maps decision actions to their success pages.
var actionPages = map[string]actionPage{
	"allow": {
		Title:   "已批准运行",
		Message: "权限请求已批准，请返回终端查看执行结果。",
	},
	"always": {
		Title:   "已始终允许",
		Message: "权限请求已批准，并已添加到项目的允许规则中。后续相同操作将自动允许。",
	},
	"deny": {
		Title:   "已拒绝运行",
		Message: "权限请求已拒绝。Claude 可能会尝试其他方式继续工作。",
	},
	"interrupt": {
		Title:   "已拒绝并中断",
		Message: "权限请求已拒绝，Claude 已停止当前任务。",
	},
}

// pageData feeds the result page template.
type pageData struct {
	Title        string
	Message      string
	Success      bool
	CloseDelay   int
	VSCodeURI    string
	VSCodeIsFile bool
}

var resultPage = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; display: flex; justify-content: center; align-items: center; min-height: 100vh; margin: 0; background: #f5f5f5; }
.card { background: white; border-radius: 12px; padding: 40px; text-align: center; box-shadow: 0 4px 12px rgba(0,0,0,0.1); max-width: 400px; }
.icon { font-size: 48px; color: {{if .Success}}#28a745{{else}}#dc3545{{end}}; margin-bottom: 20px; }
.title { font-size: 24px; color: #333; margin-bottom: 10px; }
.message { color: #666; line-height: 1.6; margin-bottom: 20px; }
.vscode-redirect { color: #007acc; font-size: 14px; margin-top: 15px; padding-top: 15px; border-top: 1px solid #eee; }
.vscode-fallback { display: none; color: #666; font-size: 14px; margin-top: 10px; }
.vscode-link { color: #007acc; text-decoration: none; }
.vscode-link:hover { text-decoration: underline; }
.vscode-hint { font-size: 12px; color: #999; margin-top: 10px; line-height: 1.4; }
.vscode-hint code { display: inline-block; background: #f5f5f5; padding: 2px 6px; border-radius: 3px; font-family: 'Consolas', 'Monaco', monospace; font-size: 11px; color: #d63384; }
.countdown { color: #999; font-size: 14px; margin-top: 15px; padding-top: 15px; border-top: 1px solid #eee; }
.close-hint { display: none; color: #666; font-size: 14px; margin-top: 10px; }
</style>
</head>
<body>
<div class="card">
<div class="icon">{{if .Success}}&#10003;{{else}}&#10007;{{end}}</div>
<div class="title">{{.Title}}</div>
<div class="message">{{.Message}}</div>
{{if and .VSCodeURI .Success}}<div class="vscode-redirect" id="vscodeRedirect">正在跳转到 VSCode...</div>
<div class="vscode-fallback" id="vscodeFallback">
<p>跳转失败？<a href="{{.VSCodeURI}}" class="vscode-link">点击手动打开 VSCode</a></p>
<p class="vscode-hint">首次使用需在 VSCode settings.json 中添加：<br><code>{{if .VSCodeIsFile}}"security.promptForLocalFileProtocolHandling": false{{else}}"security.promptForRemoteFileProtocolHandling": false{{end}}</code></p>
</div>{{end}}
<div class="countdown" id="countdown">页面将在 <span id="seconds">{{.CloseDelay}}</span> 秒后自动关闭</div>
<div class="close-hint" id="closeHint">您现在可以关闭此页面</div>
</div>
<script>
(function() {
{{if and .VSCodeURI .Success}}const vscodeUri = {{.VSCodeURI}};
const vscodeRedirect = document.getElementById('vscodeRedirect');
const vscodeFallback = document.getElementById('vscodeFallback');
setTimeout(function() {
  window.location.href = vscodeUri;
  setTimeout(function() {
    if (vscodeRedirect) { vscodeRedirect.textContent = '跳转失败'; vscodeRedirect.style.color = '#dc3545'; }
    if (vscodeFallback) { vscodeFallback.style.display = 'block'; }
  }, 2000);
}, 500);
{{end}}const timeout = {{.CloseDelay}};
let seconds = timeout;
const countdownEl = document.getElementById('seconds');
const countdownDiv = document.getElementById('countdown');
const closeHint = document.getElementById('closeHint');
const timer = setInterval(function() {
  seconds--;
  if (countdownEl) { countdownEl.textContent = seconds; }
  if (seconds <= 0) {
    clearInterval(timer);
    if (countdownDiv) { countdownDiv.style.display = 'none'; }
    if (closeHint) { closeHint.style.display = 'block'; }
    try { window.close(); } catch (e) {}
  }
}, 1000);
})();
</script>
</body>
</html>
`))

// writeHTMLPage renders the result card.
func (s *Server) writeHTMLPage(w http.ResponseWriter, status int, title, message string, success bool, vscodeURI string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	data := pageData{
		Title:        title,
		Message:      message,
		Success:      success,
		CloseDelay:   s.pageCloseDelay,
		VSCodeURI:    vscodeURI,
		VSCodeIsFile: strings.HasPrefix(vscodeURI, "vscode://file"),
	}
	if err := resultPage.Execute(w, data); err != nil {
		s.logger.Error("failed to render result page", "error", err)
	}
}

// vscodeURIFor builds the IDE deep link for a request's project directory.
func (s *Server) vscodeURIFor(requestID string) string {
	if s.vscodeURIPrefix == "" {
		return ""
	}
	data, ok := s.pending.Data(requestID)
	if !ok || data.ProjectDir == "" {
		return ""
	}
	return s.vscodeURIPrefix + data.ProjectDir
}
