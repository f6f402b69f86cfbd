package services

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"os"
	"time"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/fluentedge-labs/assess_api/shared"
)

type EmailService struct {
	context.DefaultService

	sqlSvc *PostgresService

	smtpHost     string
	smtpPort     string
	smtpUsername string
	smtpPassword string
	fromEmail    string
	fromName     string
	baseURL      string

	templates map[string]*template.Template
}

const EMAIL_SVC = "email_svc"

func (svc EmailService) Id() string {
	return EMAIL_SVC
}

func (svc *EmailService) Configure(ctx *context.Context) error {
	svc.smtpHost = os.Getenv("SMTP_HOST")
	svc.smtpPort = os.Getenv("SMTP_PORT")
	svc.smtpUsername = os.Getenv("SMTP_USERNAME")
	svc.smtpPassword = os.Getenv("SMTP_PASSWORD")
	svc.fromEmail = os.Getenv("FROM_EMAIL")
	svc.fromName = os.Getenv("FROM_NAME")
	svc.baseURL = os.Getenv("BASE_URL")

	// Set defaults if not provided
	if svc.smtpPort == "" {
		svc.smtpPort = "587"
	}
	if svc.fromName == "" {
		svc.fromName = "FluentEdge"
	}
	if svc.baseURL == "" {
		svc.baseURL = "http://localhost:8000"
	}

	svc.templates = make(map[string]*template.Template)

	return svc.DefaultService.Configure(ctx)
}

func (svc *EmailService) Start() error {
	svc.sqlSvc = svc.Service(SQL_SVC).(*PostgresService)

	// Load email templates
	err := svc.loadTemplates()
	if err != nil {
		log.WithError(err).Error("Failed to load email templates")
		// Don't fail startup, just log the error
	}

	return nil
}

// Email templates
const welcomeEmailHTML = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Welcome to {{.AppName}}</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #4F46E5; color: white; padding: 20px; text-align: center; }
        .content { padding: 20px; background-color: #f9f9f9; }
        .button { display: inline-block; padding: 12px 24px; background-color: #4F46E5; color: white; text-decoration: none; border-radius: 5px; margin: 20px 0; }
        .footer { padding: 20px; text-align: center; color: #666; font-size: 12px; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Welcome to {{.AppName}}!</h1>
        </div>
        <div class="content">
            <h2>Hi {{.Username}},</h2>
            <p>Your {{.AppName}} account is ready. You can take your first English skills assessment right away:</p>
            <a href="{{.StartURL}}" class="button">Start an Assessment</a>
            <p>Each assessment walks you through seven short stages covering reading, listening, writing and comprehension, and takes about 30 minutes.</p>
            <p>If you didn't create an account with {{.AppName}}, you can safely ignore this email.</p>
        </div>
        <div class="footer">
            <p>&copy; 2026 {{.AppName}}. All rights reserved.</p>
        </div>
    </div>
</body>
</html>
`

const scoreReportEmailHTML = `
<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Your Assessment Results - {{.AppName}}</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #059669; color: white; padding: 20px; text-align: center; }
        .content { padding: 20px; background-color: #f9f9f9; }
        .overall { font-size: 48px; font-weight: bold; color: #059669; text-align: center; margin: 20px 0; }
        .breakdown { background-color: white; padding: 15px; border-radius: 5px; margin: 15px 0; }
        .breakdown table { width: 100%; border-collapse: collapse; }
        .breakdown td { padding: 8px 4px; border-bottom: 1px solid #eee; }
        .breakdown td:last-child { text-align: right; font-weight: bold; }
        .footer { padding: 20px; text-align: center; color: #666; font-size: 12px; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Your Assessment Results</h1>
        </div>
        <div class="content">
            <h2>Hi {{.Username}},</h2>
            <p>Your assessment from {{.Date}} has been scored. Here is how you did:</p>
            <div class="overall">{{.Overall}}/100</div>
            <div class="breakdown">
                <table>
                    {{range .Breakdown}}
                    <tr>
                        <td>{{.Label}}</td>
                        <td>{{.Score}}</td>
                    </tr>
                    {{end}}
                </table>
            </div>
            <p>You can review your full history any time from your {{.AppName}} dashboard.</p>
        </div>
        <div class="footer">
            <p>&copy; 2026 {{.AppName}}. All rights reserved.</p>
        </div>
    </div>
</body>
</html>
`

// Template data structures
type WelcomeEmailData struct {
	AppName  string
	Username string
	StartURL string
}

type ScoreReportRow struct {
	Label string
	Score int
}

type ScoreReportEmailData struct {
	AppName   string
	Username  string
	Date      string
	Overall   int
	Breakdown []ScoreReportRow
}

var stageLabels = map[string]string{
	shared.StageReading:          "Reading",
	shared.StageListening:        "Listening",
	shared.StageJumbledSentences: "Jumbled Sentences",
	shared.StageStorySummary:     "Story Summary",
	shared.StagePersonalQuestion: "Personal Question",
	shared.StageComprehension:    "Comprehension",
	shared.StageFillBlanks:       "Fill in the Blanks",
}

// Load email templates
func (svc *EmailService) loadTemplates() error {
	var err error

	// Load welcome email template
	svc.templates["welcome"], err = template.New("welcome").Parse(welcomeEmailHTML)
	if err != nil {
		return fmt.Errorf("failed to parse welcome email template: %v", err)
	}

	// Load score report email template
	svc.templates["score_report"], err = template.New("score_report").Parse(scoreReportEmailHTML)
	if err != nil {
		return fmt.Errorf("failed to parse score report email template: %v", err)
	}

	return nil
}

// Send welcome email
func (svc *EmailService) SendWelcomeEmail(email, username string) error {
	if svc.smtpHost == "" {
		log.Warn("SMTP not configured, skipping welcome email")
		return nil
	}

	data := WelcomeEmailData{
		AppName:  "FluentEdge",
		Username: username,
		StartURL: fmt.Sprintf("%s/assessments", svc.baseURL),
	}

	subject := "Welcome to FluentEdge"
	return svc.sendTemplateEmail(email, subject, "welcome", data)
}

// QueueScoreReport sends the score report for a completed session in the
// background. Failures are logged and swallowed; the report is a courtesy,
// never part of the completion path.
func (svc *EmailService) QueueScoreReport(userID, sessionID string, overall int) {
	if svc.smtpHost == "" {
		return
	}

	go func() {
		if err := svc.sendScoreReport(userID, sessionID, overall); err != nil {
			log.WithError(err).WithField("session_id", sessionID).Error("Failed to send score report")
		}
	}()
}

func (svc *EmailService) sendScoreReport(userID, sessionID string, overall int) error {
	user, err := svc.sqlSvc.GetUser(userID)
	if err != nil {
		return err
	}
	if user.Email == "" {
		return nil
	}

	scores, err := svc.sqlSvc.GetSessionStageScores(sessionID)
	if err != nil {
		return err
	}

	byStage := make(map[string]int, len(scores))
	for _, s := range scores {
		byStage[s.Stage] = s.Score
	}

	breakdown := make([]ScoreReportRow, 0, shared.StageCount)
	for _, stage := range shared.StageOrder {
		breakdown = append(breakdown, ScoreReportRow{
			Label: stageLabels[stage],
			Score: byStage[stage],
		})
	}

	data := ScoreReportEmailData{
		AppName:   "FluentEdge",
		Username:  user.Username,
		Date:      time.Now().Format("January 2, 2006"),
		Overall:   overall,
		Breakdown: breakdown,
	}

	subject := "Your Assessment Results - FluentEdge"
	return svc.sendTemplateEmail(user.Email, subject, "score_report", data)
}

// Send template email
func (svc *EmailService) sendTemplateEmail(to, subject, templateName string, data interface{}) error {
	tmpl, exists := svc.templates[templateName]
	if !exists {
		return fmt.Errorf("template %s not found", templateName)
	}

	var body bytes.Buffer
	err := tmpl.Execute(&body, data)
	if err != nil {
		return fmt.Errorf("failed to execute template: %v", err)
	}

	return svc.sendEmail(to, subject, body.String())
}

// Send email using SMTP
func (svc *EmailService) sendEmail(to, subject, body string) error {
	if svc.smtpHost == "" {
		return fmt.Errorf("SMTP not configured")
	}

	// Setup authentication
	auth := smtp.PlainAuth("", svc.smtpUsername, svc.smtpPassword, svc.smtpHost)

	// Compose message
	msg := []byte(fmt.Sprintf(
		"From: %s <%s>\r\n"+
			"To: %s\r\n"+
			"Subject: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/html; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		svc.fromName, svc.fromEmail, to, subject, body))

	// Send email
	err := smtp.SendMail(
		svc.smtpHost+":"+svc.smtpPort,
		auth,
		svc.fromEmail,
		[]string{to},
		msg,
	)

	if err != nil {
		log.WithError(err).WithFields(log.Fields{"to": to, "subject": subject}).Error("Failed to send email")
		return fmt.Errorf("failed to send email: %v", err)
	}

	log.WithFields(log.Fields{"to": to, "subject": subject}).Info("Email sent successfully")
	return nil
}

// Test email configuration
func (svc *EmailService) TestEmailConfig() error {
	if svc.smtpHost == "" {
		return fmt.Errorf("SMTP host not configured")
	}

	testEmail := svc.fromEmail
	if testEmail == "" {
		return fmt.Errorf("from email not configured")
	}

	subject := "Test Email Configuration - FluentEdge"
	body := "This is a test email to verify SMTP configuration."

	return svc.SendPlainEmail(testEmail, subject, body)
}

// Send plain text email (for simple notifications)
func (svc *EmailService) SendPlainEmail(to, subject, body string) error {
	if svc.smtpHost == "" {
		log.Warn("SMTP not configured, skipping email")
		return nil
	}

	// Setup authentication
	auth := smtp.PlainAuth("", svc.smtpUsername, svc.smtpPassword, svc.smtpHost)

	// Compose message
	msg := []byte(fmt.Sprintf(
		"From: %s <%s>\r\n"+
			"To: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		svc.fromName, svc.fromEmail, to, subject, body))

	// Send email
	err := smtp.SendMail(
		svc.smtpHost+":"+svc.smtpPort,
		auth,
		svc.fromEmail,
		[]string{to},
		msg,
	)

	if err != nil {
		log.WithError(err).WithFields(log.Fields{"to": to, "subject": subject}).Error("Failed to send plain email")
		return fmt.Errorf("failed to send email: %v", err)
	}

	log.WithFields(log.Fields{"to": to, "subject": subject}).Info("Plain email sent successfully")
	return nil
}
