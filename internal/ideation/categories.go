package ideation

// Categories is the fixed catalog of 21 improvement domains the
// Ideation Loop selects from by weighted round robin (§4.4, GLOSSARY
// "Category").
var Categories = []string{
	"Optimization",
	"Security",
	"Testing",
	"Observability",
	"Documentation",
	"Accessibility",
	"Refactoring",
	"DependencyHygiene",
	"ErrorHandling",
	"APIDesign",
	"Performance",
	"Concurrency",
	"DataValidation",
	"Logging",
	"ConfigManagement",
	"BuildTooling",
	"CI",
	"Internationalization",
	"DeveloperExperience",
	"CodeStyle",
	"TechnicalDebt",
}
