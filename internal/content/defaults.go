package content

// Defaults returns a starter set of variants used by "content seed".
// Templates reference the built-in placeholders.
func Defaults() []*Variant {
	return []*Variant{
		{Kind: KindTemplate, Name: "Announcement", ContentType: DefaultContentType, Weight: 1, Active: true, Body: defaultAnnouncement},
		{Kind: KindTemplate, Name: "Offer", ContentType: DefaultContentType, Weight: 1, Active: true, Body: defaultOffer},
		{Kind: KindTemplate, Name: "Newsletter", ContentType: DefaultContentType, Weight: 1, Active: true, Body: defaultNewsletter},

		{Kind: KindSubject, Text: "An important message from our team", Weight: 1, Active: true},
		{Kind: KindSubject, Text: "A special offer for you", Weight: 1, Active: true},
		{Kind: KindSubject, Text: "Your monthly newsletter", Weight: 1, Active: true},
		{Kind: KindSubject, Text: "Important update", Weight: 1, Active: true},
		{Kind: KindSubject, Text: "An exclusive opportunity", Weight: 1, Active: true},

		{Kind: KindSender, Name: "Support Team", Address: "support@example.com", Weight: 1, Active: true},
		{Kind: KindSender, Name: "Sales Team", Address: "sales@example.com", Weight: 1, Active: true},
		{Kind: KindSender, Name: "Customer Service", Address: "service@example.com", Weight: 1, Active: true},
		{Kind: KindSender, Name: "Administration", Address: "admin@example.com", Weight: 1, Active: true},
	}
}

const defaultAnnouncement = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Important message</title></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <h1 style="color: #333;">Important message</h1>
    <p>Dear recipient,</p>
    <p>Email: {{email}}</p>
    <p>Date: {{timestamp}}</p>
    <p>Template: {{template_name}}</p>
    <p>Regards,<br>{{from_name}}</p>
  </div>
</body>
</html>`

const defaultOffer = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>New offer</title></head>
<body style="font-family: Georgia, serif; line-height: 1.8;">
  <div style="max-width: 600px; margin: 0 auto; padding: 30px; background-color: #f9f9f9;">
    <h2 style="color: #2c3e50; text-align: center;">SPECIAL OFFER</h2>
    <p>Hello,</p>
    <ul>
      <li>Email: {{email}}</li>
      <li>Time: {{timestamp}}</li>
      <li>Reference: {{template_name}}</li>
    </ul>
    <p>Best regards,<br>{{from_name}}</p>
  </div>
</body>
</html>`

const defaultNewsletter = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Newsletter</title></head>
<body style="font-family: Helvetica, Arial, sans-serif;">
  <div style="max-width: 600px; margin: 0 auto; border: 1px solid #ddd;">
    <div style="background-color: #4CAF50; color: white; padding: 20px; text-align: center;"><h1>NEWSLETTER</h1></div>
    <div style="padding: 30px;">
      <table style="width: 100%; border-collapse: collapse;">
        <tr><td><strong>Recipient</strong></td><td>{{email}}</td></tr>
        <tr><td><strong>Date</strong></td><td>{{timestamp}}</td></tr>
        <tr><td><strong>Template</strong></td><td>{{template_name}}</td></tr>
      </table>
      <p>See you soon,<br>{{from_name}}</p>
    </div>
  </div>
</body>
</html>`
