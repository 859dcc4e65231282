package email

import "html/template"

const appName = "Reference Desk"

const layoutHead = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #2f6f4f; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #2f6f4f; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #2f6f4f; }
        .reason { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; white-space: pre-wrap; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>
`

const layoutFoot = `
</body>
</html>`

var inviteTemplate = template.Must(template.New("invite").Parse(layoutHead + `
    <h2>Reference request</h2>

    <p>{{.StudentEmail}} has asked you to contribute to their reference for {{.AcademicYear}}.</p>

    <p>
        <a href="{{.AcceptURL}}" class="button">Accept and contribute</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.AcceptURL}}</p>

    {{if .ExpiresIn}}<p>This invitation expires in {{.ExpiresIn}}.</p>{{end}}

    <div class="footer">
        <p>If you were not expecting this request you can ignore this email.</p>
    </div>` + layoutFoot))

var statementCompletedTemplate = template.Must(template.New("statement-completed").Parse(layoutHead + `
    <h2>Personal statement ready</h2>

    <p>{{.StudentEmail}} has marked their personal statement for {{.AcademicYear}} as complete.</p>

    <p>You are receiving this because you accepted their reference request.</p>` + layoutFoot))

var editsRequestedTemplate = template.Must(template.New("edits-requested").Parse(layoutHead + `
    <h2>Edits requested</h2>

    <p>{{.RequestedBy}} has asked for changes to your personal statement for {{.AcademicYear}}.</p>

    {{if .Reason}}<div class="reason">{{.Reason}}</div>{{end}}

    <p>Your statement is open for editing again.</p>` + layoutFoot))
