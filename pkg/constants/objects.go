package constants

// Objects that receive special treatment during ordering and routing.
const (
	ObjectRecordType = "RecordType"
	ObjectAccount    = "Account"
	ObjectContact    = "Contact"
	ObjectUser       = "User"
	ObjectGroup      = "Group"
)

// UserAndGroupFileName is the merged CSV medium for User and Group rows.
const UserAndGroupFileName = "UserAndGroup"

// SpecialObjectQueryOrder lists known right-must-precede-left pairs applied
// as a bubble pass over the query order. Key objects must be queried only
// after every object in their value list that is present in the run.
var SpecialObjectQueryOrder = map[string][]string{
	"AccountContactRelation": {"Account", "Contact", "Case"},
	"AccountContactRole":     {"Account", "Contact"},
	"OpportunityContactRole": {"Opportunity", "Contact"},
	"CaseContactRole":        {"Case", "Contact"},
	"CampaignMember":         {"Campaign", "Lead", "Contact"},
}

// NotSupportedInBulk lists objects the bulk ingest APIs reject; they are
// always routed to the REST collection engine.
var NotSupportedInBulk = map[string]bool{
	"Attachment":      true,
	"ContentNote":     true,
	"ContentVersion":  true,
	"EmailMessage":    true,
	"FeedItem":        true,
	"FeedComment":     true,
	"RecordType":      true,
	"ServiceContract": true,
}

// BlobFields maps object name to its binary field; such fields are fetched
// with a follow-up blob request per record rather than through SOQL.
var BlobFields = map[string]string{
	"Attachment":     "Body",
	"ContentVersion": "VersionData",
	"Document":       "Body",
}

// IsSpecialQueryOrderObject reports whether obj appears in the special
// ordering table.
func IsSpecialQueryOrderObject(obj string) bool {
	_, ok := SpecialObjectQueryOrder[obj]
	return ok
}
